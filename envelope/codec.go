package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/limits"
	"github.com/opd-ai/sealchat/models"
)

// KeyLookup supplies registered public keys.
type KeyLookup interface {
	PublicKey(ctx context.Context, userID string) ([]byte, error)
}

// Encoded is the persisted form of one message: the envelope and, for
// direct conversations, the key bundle.
type Encoded struct {
	Envelope  []byte
	KeyBundle []byte
}

// Codec is the MessageCodec. It is stateless and safe for concurrent use.
type Codec struct {
	engine      *crypto.Engine
	keys        KeyLookup
	maxContent  int
	maxEnvelope int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxContent overrides limits.MaxContentSize. The accepted envelope
// size on decode follows it.
func WithMaxContent(n int) Option {
	return func(c *Codec) { c.maxContent = n }
}

// NewCodec creates a Codec.
func NewCodec(engine *crypto.Engine, keys KeyLookup, opts ...Option) *Codec {
	c := &Codec{engine: engine, keys: keys, maxContent: limits.MaxContentSize}
	for _, opt := range opts {
		opt(c)
	}
	c.maxContent = limits.ContentLimit(c.maxContent)
	c.maxEnvelope = limits.EnvelopeSizeFor(c.maxContent)
	return c
}

// Encode selects the path for conv. receiverID is used only for direct
// conversations and sharedKey only for group and broadcast conversations.
func (c *Codec) Encode(ctx context.Context, conv *models.Conversation, senderID, receiverID string, plaintext, sharedKey []byte) (*Encoded, error) {
	switch conv.Kind {
	case models.KindDirect:
		return c.EncodeDirect(ctx, senderID, receiverID, plaintext)
	case models.KindGroup, models.KindBroadcast:
		return c.EncodeGroup(plaintext, sharedKey)
	default:
		return nil, fmt.Errorf("%w: conversation kind %q", ErrUnsupportedKind, conv.Kind)
	}
}

// EncodeDirect encrypts plaintext under a fresh one-time key and wraps that
// key for both parties.
func (c *Codec) EncodeDirect(ctx context.Context, senderID, receiverID string, plaintext []byte) (*Encoded, error) {
	if err := limits.ValidateContent(plaintext, c.maxContent); err != nil {
		return nil, err
	}
	if senderID == "" || receiverID == "" || senderID == receiverID {
		return nil, fmt.Errorf("%w: direct message needs two distinct parties", crypto.ErrCryptoFailure)
	}

	senderPub, err := c.keys.PublicKey(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("sender public key: %w", err)
	}
	receiverPub, err := c.keys.PublicKey(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("receiver public key: %w", err)
	}

	key, err := c.engine.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	sealed, err := c.engine.SymmetricEncrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	senderWrap, err := c.engine.Wrap(key, senderPub)
	if err != nil {
		return nil, fmt.Errorf("wrap for sender: %w", err)
	}
	receiverWrap, err := c.engine.Wrap(key, receiverPub)
	if err != nil {
		return nil, fmt.Errorf("wrap for receiver: %w", err)
	}

	env, err := fromSealed(sealed).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrCryptoFailure, err)
	}
	bundle, err := (&KeyBundle{
		SenderID:           senderID,
		ReceiverID:         receiverID,
		SenderWrappedKey:   senderWrap,
		ReceiverWrappedKey: receiverWrap,
	}).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrCryptoFailure, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "EncodeDirect",
		"package":     "envelope",
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"size":        len(plaintext),
	}).Debug("Encoded direct message")
	return &Encoded{Envelope: env, KeyBundle: bundle}, nil
}

// EncodeGroup encrypts plaintext under the shared conversation key.
func (c *Codec) EncodeGroup(plaintext, sharedKey []byte) (*Encoded, error) {
	if err := limits.ValidateContent(plaintext, c.maxContent); err != nil {
		return nil, err
	}
	if len(sharedKey) == 0 {
		return nil, ErrSharedKeyRequired
	}

	sealed, err := c.engine.SymmetricEncrypt(plaintext, sharedKey)
	if err != nil {
		return nil, err
	}
	env, err := fromSealed(sealed).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrCryptoFailure, err)
	}
	return &Encoded{Envelope: env}, nil
}

// DecodeDirect recovers a direct message for requesterID using the slot
// the key bundle addresses to them.
func (c *Codec) DecodeDirect(envelope, keyBundle []byte, requesterID string, privateKeyPEM []byte) ([]byte, error) {
	bundle, err := ParseKeyBundle(keyBundle)
	if err != nil {
		return nil, err
	}
	wrapped, ok := bundle.SlotFor(requesterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionUnavailable, requesterID)
	}
	env, err := parseEnvelope(envelope, c.maxEnvelope)
	if err != nil {
		return nil, err
	}

	key, err := c.engine.Unwrap(wrapped, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	return c.decrypt(env, key)
}

// DecodeGroup decrypts a group message with the already unwrapped shared key.
func (c *Codec) DecodeGroup(envelope, sharedKey []byte) ([]byte, error) {
	if len(sharedKey) == 0 {
		return nil, ErrSharedKeyRequired
	}
	env, err := parseEnvelope(envelope, c.maxEnvelope)
	if err != nil {
		return nil, err
	}
	return c.decrypt(env, sharedKey)
}

// Decode returns the plaintext of msg for requesterID. Direct messages use
// privateKeyPEM, group messages use sharedKey, and system messages return
// their text.
func (c *Codec) Decode(conv *models.Conversation, msg *models.Message, requesterID string, privateKeyPEM, sharedKey []byte) ([]byte, error) {
	if msg.Kind == models.MessageSystem {
		body, err := DecodeSystem(msg.Envelope)
		if err != nil {
			return nil, err
		}
		return []byte(body.Text), nil
	}

	switch conv.Kind {
	case models.KindDirect:
		return c.DecodeDirect(msg.Envelope, msg.KeyBundle, requesterID, privateKeyPEM)
	case models.KindGroup, models.KindBroadcast:
		return c.DecodeGroup(msg.Envelope, sharedKey)
	default:
		return nil, fmt.Errorf("%w: conversation kind %q", ErrUnsupportedKind, conv.Kind)
	}
}

func (c *Codec) decrypt(env *Envelope, key []byte) ([]byte, error) {
	plaintext, err := c.engine.SymmetricDecrypt(env.sealed(), key)
	if errors.Is(err, crypto.ErrAuthenticationFailure) {
		logrus.WithFields(logrus.Fields{
			"function": "decrypt",
			"package":  "envelope",
		}).Warn("Envelope failed authentication")
	}
	return plaintext, err
}
