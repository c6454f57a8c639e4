// Package storage defines the durable store consumed by the registry, the
// conversation state machine and the messaging service. Implementations
// live in the memory and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/sealchat/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("record already exists")
)

// KeyStore persists one public key record per user.
type KeyStore interface {
	// PutPublicKey creates or fully replaces the record for rec.OwnerID.
	PutPublicKey(ctx context.Context, rec *models.PublicKeyRecord) error
	GetPublicKey(ctx context.Context, ownerID string) (*models.PublicKeyRecord, error)
	// GetPublicKeys returns the records that exist for ownerIDs; missing
	// owners are omitted.
	GetPublicKeys(ctx context.Context, ownerIDs []string) ([]models.PublicKeyRecord, error)
}

// ConversationStore persists conversations and their participant records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// AddParticipant returns ErrConflict when (conversation, user) exists,
	// active or not.
	AddParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, conversationID, userID string) (*models.Participant, error)
	// ListParticipants orders by join time then user id.
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]models.Participant, error)
	// UpdateParticipant rewrites role, left_at and wrapped key.
	UpdateParticipant(ctx context.Context, p *models.Participant) error
}

// Position is a message's place in history order: timestamp, then id.
type Position struct {
	Timestamp time.Time
	ID        string
}

// PositionOf returns the position of m.
func PositionOf(m *models.Message) Position {
	return Position{Timestamp: m.Timestamp, ID: m.ID}
}

// Less reports whether p sorts strictly older than o.
func (p Position) Less(o Position) bool {
	if !p.Timestamp.Equal(o.Timestamp) {
		return p.Timestamp.Before(o.Timestamp)
	}
	return p.ID < o.ID
}

// MessageQuery selects messages of one conversation, newest first, ordered
// by timestamp then id.
type MessageQuery struct {
	ConversationID string
	// Before keeps messages strictly older than the position.
	Before *Position
	// Through keeps messages at or older than the position.
	Through *Position
	// Until keeps messages with a timestamp at or before the given time.
	Until *time.Time
	// ExcludeSender drops messages sent by this user.
	ExcludeSender  string
	IncludeDeleted bool
	// Limit caps the result; zero means no cap.
	Limit int
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// MarkMessageDeleted sets the deleted flag and time; the envelope is untouched.
	MarkMessageDeleted(ctx context.Context, id string, at time.Time) error
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	// CreateReadReceipt reports false when the receipt already existed.
	CreateReadReceipt(ctx context.Context, r *models.ReadReceipt) (bool, error)
}

// CommunityStore persists communities and their members.
type CommunityStore interface {
	CreateCommunity(ctx context.Context, c *models.Community) error
	GetCommunity(ctx context.Context, id string) (*models.Community, error)
	// AddCommunityMember returns ErrConflict when the user is already a member.
	AddCommunityMember(ctx context.Context, m *models.CommunityMember) error
	// UpdateCommunityMember rewrites the role.
	UpdateCommunityMember(ctx context.Context, m *models.CommunityMember) error
	RemoveCommunityMember(ctx context.Context, communityID, userID string) error
	// ListCommunityMembers orders by join time then user id.
	ListCommunityMembers(ctx context.Context, communityID string) ([]models.CommunityMember, error)
}

// Queries is the full set of store operations, available both on a Store
// and inside a transaction.
type Queries interface {
	KeyStore
	ConversationStore
	MessageStore
	CommunityStore
}

// Store is a durable store with transactional writes. fn runs inside one
// transaction: it commits when fn returns nil and rolls back otherwise.
// fn must only use the Queries it is given.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
