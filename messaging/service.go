package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

const (
	// DefaultHistoryLimit is the page size when none is requested.
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps the page size.
	MaxHistoryLimit = 200
)

var (
	// ErrInvalidMessageKind indicates a kind that cannot be sent or deleted
	// by a user.
	ErrInvalidMessageKind = errors.New("invalid message kind")

	// ErrMessageDeleted indicates the message was deleted and its content
	// is no longer exposed.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrNoRecipient indicates a direct conversation without a second party.
	ErrNoRecipient = errors.New("direct conversation has no recipient")
)

// Service runs send, delete, read, history and typing operations. It is
// stateless aside from its collaborators and safe for concurrent use.
type Service struct {
	store     storage.Store
	codec     *envelope.Codec
	publisher *fanout.Publisher
	clock     crypto.TimeProvider
}

// Option configures a Service.
type Option func(*Service)

// WithTimeProvider overrides the clock.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.clock = tp
		}
	}
}

// NewService creates a Service. publisher may be nil to disable events.
func NewService(store storage.Store, codec *envelope.Codec, publisher *fanout.Publisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		codec:     codec,
		publisher: publisher,
		clock:     crypto.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest is one message to send.
type SendRequest struct {
	ConversationID string
	SenderID       string
	// Kind defaults to text. System messages cannot be sent.
	Kind    models.MessageKind
	Content []byte
	// ConversationKey is the unwrapped shared key, required for group and
	// broadcast conversations.
	ConversationKey []byte
}

// Send encrypts and stores a message, bumps the conversation's updated_at,
// and announces the message to every other active participant.
func (s *Service) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.MessageText
	}
	if !kind.Valid() || kind == models.MessageSystem {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageKind, kind)
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := conversation.CanPost(ctx, s.store, conv, req.SenderID); err != nil {
		return nil, err
	}

	var receiverID string
	switch {
	case conv.Kind == models.KindDirect:
		receiverID, err = s.directPeer(ctx, conv.ID, req.SenderID)
		if err != nil {
			return nil, err
		}
	case len(req.ConversationKey) == 0:
		return nil, envelope.ErrSharedKeyRequired
	case !crypto.VerifyKeyFingerprint(req.ConversationKey, conv.KeyFingerprint):
		return nil, conversation.ErrKeyMismatch
	}

	encoded, err := s.codec.Encode(ctx, conv, req.SenderID, receiverID, req.Content, req.ConversationKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Send",
			"package":         "messaging",
			"conversation_id": conv.ID,
			"sender_id":       req.SenderID,
			"error":           err.Error(),
		}).Warn("Message encoding failed")
		return nil, err
	}

	now := s.clock.Now()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Kind:           kind,
		Envelope:       encoded.Envelope,
		KeyBundle:      encoded.KeyBundle,
		Timestamp:      now,
	}

	var recipients []string
	err = s.store.InTx(ctx, func(q storage.Queries) error {
		// Membership may have changed since the pre-check.
		if _, err := conversation.CanPost(ctx, q, conv, req.SenderID); err != nil {
			return err
		}
		if err := q.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if err := q.TouchConversation(ctx, conv.ID, now); err != nil {
			return err
		}
		all, err := q.ListParticipants(ctx, conv.ID, true)
		if err != nil {
			return err
		}
		recipients = conversation.ActiveUserIDs(all, req.SenderID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Send",
		"package":         "messaging",
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"recipients":      len(recipients),
	}).Debug("Message stored")

	s.publish(ctx, recipients, fanout.NewEvent(fanout.KindMessage, conv.ID, messagePayload(msg), now))
	return msg, nil
}

// directPeer returns the other party of a direct conversation.
func (s *Service) directPeer(ctx context.Context, conversationID, senderID string) (string, error) {
	all, err := s.store.ListParticipants(ctx, conversationID, false)
	if err != nil {
		return "", err
	}
	for _, p := range all {
		if p.UserID != senderID {
			return p.UserID, nil
		}
	}
	return "", ErrNoRecipient
}

func messagePayload(m *models.Message) map[string]interface{} {
	payload := map[string]interface{}{
		"message_id": m.ID,
		"sender_id":  m.SenderID,
		"kind":       string(m.Kind),
		"envelope":   json.RawMessage(m.Envelope),
		"timestamp":  m.Timestamp,
	}
	if len(m.KeyBundle) > 0 {
		payload["key_bundle"] = json.RawMessage(m.KeyBundle)
	}
	return payload
}

// Delete soft-deletes a message. Only its sender may delete it, and the
// envelope is left untouched. Every active participant, the sender
// included, is told about the deletion. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, actorID, messageID string) error {
	now := s.clock.Now()
	var (
		conversationID string
		recipients     []string
		changed        bool
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		msg, err := q.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != actorID {
			return fmt.Errorf("%w: only the sender may delete a message", conversation.ErrPermissionDenied)
		}
		if msg.Kind == models.MessageSystem {
			return fmt.Errorf("%w: system messages cannot be deleted", ErrInvalidMessageKind)
		}
		if _, err := conversation.ActiveParticipant(ctx, q, msg.ConversationID, actorID); err != nil {
			return err
		}
		if msg.Deleted {
			return nil
		}
		if err := q.MarkMessageDeleted(ctx, messageID, now); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		all, err := q.ListParticipants(ctx, msg.ConversationID, true)
		if err != nil {
			return err
		}
		conversationID = msg.ConversationID
		recipients = conversation.ActiveUserIDs(all, "")
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Delete",
		"package":         "messaging",
		"conversation_id": conversationID,
		"message_id":      messageID,
	}).Info("Message deleted")

	s.publish(ctx, recipients, fanout.NewEvent(fanout.KindMessageDeleted, conversationID, map[string]interface{}{
		"message_id": messageID,
		"deleted_by": actorID,
		"deleted_at": now,
	}, now))
	return nil
}

// ReadResult lists the receipts created by MarkRead.
type ReadResult struct {
	// Receipted holds the ids of messages that gained a receipt, newest first.
	Receipted []string
}

// MarkRead records that readerID has read messageID and, in the same
// transaction, every earlier non-deleted message of the conversation that
// readerID did not send. Each sender of a newly receipted message gets one
// read_receipt event.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (*ReadResult, error) {
	now := s.clock.Now()
	result := &ReadResult{}
	var conversationID string
	bySender := make(map[string][]string)
	var senders []string

	err := s.store.InTx(ctx, func(q storage.Queries) error {
		msg, err := q.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			return ErrMessageDeleted
		}
		if _, err := conversation.ActiveParticipant(ctx, q, msg.ConversationID, readerID); err != nil {
			return err
		}
		conversationID = msg.ConversationID

		through := storage.PositionOf(msg)
		earlier, err := q.ListMessages(ctx, storage.MessageQuery{
			ConversationID: msg.ConversationID,
			Through:        &through,
			ExcludeSender:  readerID,
		})
		if err != nil {
			return err
		}

		targets := []models.Message{*msg}
		for _, m := range earlier {
			if m.ID != msg.ID {
				targets = append(targets, m)
			}
		}

		for _, m := range targets {
			created, err := q.CreateReadReceipt(ctx, &models.ReadReceipt{UserID: readerID, MessageID: m.ID, ReadAt: now})
			if err != nil {
				return fmt.Errorf("read receipt: %w", err)
			}
			if !created {
				continue
			}
			result.Receipted = append(result.Receipted, m.ID)
			if m.SenderID == readerID {
				continue
			}
			if _, seen := bySender[m.SenderID]; !seen {
				senders = append(senders, m.SenderID)
			}
			bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "MarkRead",
		"package":         "messaging",
		"conversation_id": conversationID,
		"reader_id":       readerID,
		"receipted":       len(result.Receipted),
	}).Debug("Messages marked read")

	for _, sender := range senders {
		s.publish(ctx, []string{sender}, fanout.NewEvent(fanout.KindReadReceipt, conversationID, map[string]interface{}{
			"reader_id":   readerID,
			"message_ids": bySender[sender],
			"read_at":     now,
		}, now))
	}
	return result, nil
}

// HistoryRequest selects one page of a conversation's history.
type HistoryRequest struct {
	ConversationID string
	RequesterID    string
	// BeforeID pages backwards from an earlier page's oldest message.
	BeforeID string
	Limit    int
}

// Page is one page of history, newest first.
type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// History returns visible messages newest first. Deleted messages are
// excluded. A participant who left sees messages up to the time they left.
func (s *Service) History(ctx context.Context, req HistoryRequest) (*Page, error) {
	p, err := s.store.GetParticipant(ctx, req.ConversationID, req.RequesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", conversation.ErrNotParticipant, req.RequesterID, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	q := storage.MessageQuery{
		ConversationID: req.ConversationID,
		Until:          p.LeftAt,
		Limit:          limit + 1,
	}
	if req.BeforeID != "" {
		cursor, err := s.store.GetMessage(ctx, req.BeforeID)
		if err != nil {
			return nil, fmt.Errorf("history cursor: %w", err)
		}
		if cursor.ConversationID != req.ConversationID {
			return nil, fmt.Errorf("history cursor %s: %w", req.BeforeID, storage.ErrNotFound)
		}
		before := storage.PositionOf(cursor)
		q.Before = &before
	}

	msgs, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	for i := range page.Messages {
		page.Messages[i] = page.Messages[i].Redacted()
	}
	return page, nil
}

// Typing tells the other active participants that userID started or
// stopped typing. Nothing is stored.
func (s *Service) Typing(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if _, err := conversation.ActiveParticipant(ctx, s.store, conversationID, userID); err != nil {
		return err
	}
	all, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return err
	}
	s.publish(ctx, conversation.ActiveUserIDs(all, userID), fanout.NewEvent(fanout.KindTyping, conversationID, map[string]interface{}{
		"user_id":   userID,
		"is_typing": isTyping,
	}, s.clock.Now()))
	return nil
}

// Notify sends a generic notification to userIDs.
func (s *Service) Notify(ctx context.Context, userIDs []string, conversationID string, payload map[string]interface{}) fanout.Results {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishAll(ctx, userIDs, fanout.NewEvent(fanout.KindNotification, conversationID, payload, s.clock.Now()))
}

// Open decrypts a stored message for requesterID. Direct messages need the
// requester's private key, group messages the unwrapped shared key.
// It is meant for clients and tests holding their own key material.
func (s *Service) Open(ctx context.Context, requesterID, messageID string, privateKeyPEM, sharedKey []byte) ([]byte, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, ErrMessageDeleted
	}
	if _, err := s.store.GetParticipant(ctx, msg.ConversationID, requesterID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", conversation.ErrNotParticipant, requesterID)
		}
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(conv, msg, requesterID, privateKeyPEM, sharedKey)
}

func (s *Service) publish(ctx context.Context, userIDs []string, ev fanout.Event) {
	if s.publisher == nil || len(userIDs) == 0 {
		return
	}
	s.publisher.PublishAll(ctx, userIDs, ev).Log()
}
