// Package envelope encodes message content into the persisted wire format
// and back, choosing the encryption path by conversation kind.
//
// Direct conversations get a fresh one-time key per message. The key is
// wrapped separately for sender and receiver, and the key bundle records
// which user each wrapped copy belongs to, so decoding is a lookup rather
// than trial decryption. Group and broadcast conversations encrypt directly
// under the shared conversation key supplied by the caller. System messages
// are stored as plain JSON.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/limits"
)

var (
	// ErrDecryptionUnavailable indicates no wrapped copy is addressed to the
	// requester. It is recoverable: the client should request redistribution.
	ErrDecryptionUnavailable = errors.New("decryption unavailable for requester")

	// ErrMalformedEnvelope indicates stored or received bytes are not a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrSharedKeyRequired indicates a group path call without a shared key.
	ErrSharedKeyRequired = errors.New("shared conversation key required")

	// ErrUnsupportedKind indicates the conversation or message kind has no codec path.
	ErrUnsupportedKind = errors.New("unsupported kind")
)

// Envelope is the symmetric ciphertext bundle. Byte fields marshal as
// standard base64. Suite is omitted for AES-256-GCM.
type Envelope struct {
	Ciphertext []byte       `json:"ciphertext"`
	Nonce      []byte       `json:"nonce"`
	Tag        []byte       `json:"tag"`
	Suite      crypto.Suite `json:"suite,omitempty"`
}

func fromSealed(s *crypto.Sealed) *Envelope {
	suite := s.Suite
	if suite == crypto.SuiteAES256GCM {
		suite = ""
	}
	ct := s.Ciphertext
	if ct == nil {
		ct = []byte{}
	}
	return &Envelope{Ciphertext: ct, Nonce: s.Nonce, Tag: s.Tag, Suite: suite}
}

func (e *Envelope) sealed() *crypto.Sealed {
	return &crypto.Sealed{Ciphertext: e.Ciphertext, Nonce: e.Nonce, Tag: e.Tag, Suite: e.Suite}
}

// Marshal returns the wire encoding.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and sanity checks an envelope produced under the
// default content ceiling.
func ParseEnvelope(data []byte) (*Envelope, error) {
	return parseEnvelope(data, limits.MaxEnvelopeSize)
}

func parseEnvelope(data []byte, maxSize int) (*Envelope, error) {
	if err := limits.ValidateEnvelopeSize(data, maxSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.Ciphertext == nil || len(e.Nonce) == 0 || len(e.Tag) == 0 {
		return nil, fmt.Errorf("%w: missing field", ErrMalformedEnvelope)
	}
	return &e, nil
}

// KeyBundle carries the per-message key of a direct message wrapped for
// each party, addressed by user id.
type KeyBundle struct {
	SenderID           string `json:"sender_id"`
	ReceiverID         string `json:"receiver_id"`
	SenderWrappedKey   []byte `json:"sender_wrapped_key"`
	ReceiverWrappedKey []byte `json:"receiver_wrapped_key"`
}

// SlotFor returns the wrapped copy addressed to userID.
func (b *KeyBundle) SlotFor(userID string) ([]byte, bool) {
	switch {
	case userID == "":
		return nil, false
	case userID == b.SenderID:
		return b.SenderWrappedKey, len(b.SenderWrappedKey) > 0
	case userID == b.ReceiverID:
		return b.ReceiverWrappedKey, len(b.ReceiverWrappedKey) > 0
	}
	return nil, false
}

// Marshal returns the wire encoding.
func (b *KeyBundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// ParseKeyBundle decodes a stored key bundle.
func ParseKeyBundle(data []byte) (*KeyBundle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key bundle", ErrMalformedEnvelope)
	}
	var b KeyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if b.SenderID == "" || b.ReceiverID == "" {
		return nil, fmt.Errorf("%w: key bundle slots not addressed", ErrMalformedEnvelope)
	}
	return &b, nil
}

// SystemBody is the plain structured text of a system message.
type SystemBody struct {
	Event     string `json:"event"`
	ActorID   string `json:"actor_id"`
	SubjectID string `json:"subject_id,omitempty"`
	Text      string `json:"text"`
}

// EncodeSystem builds the stored form of a system message.
func EncodeSystem(event, actorID, subjectID, text string) ([]byte, error) {
	if err := limits.ValidateSystemText(text); err != nil {
		return nil, err
	}
	return json.Marshal(SystemBody{Event: event, ActorID: actorID, SubjectID: subjectID, Text: text})
}

// DecodeSystem parses a stored system message.
func DecodeSystem(data []byte) (*SystemBody, error) {
	var b SystemBody
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &b, nil
}
