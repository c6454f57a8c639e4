// Package models defines the persistent records shared by the key registry,
// conversation state machine, message codec and the storage backends.
package models

import "time"

// ConversationKind selects the encryption strategy and membership rules.
type ConversationKind string

const (
	// KindDirect is a two-party conversation; every message carries its own wrapped key.
	KindDirect ConversationKind = "direct"
	// KindGroup is an N-party conversation with one shared key for its lifetime.
	KindGroup ConversationKind = "group"
	// KindBroadcast is a community-wide conversation enrolled from a membership source.
	KindBroadcast ConversationKind = "broadcast"
)

// Valid reports whether k names a known conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindBroadcast:
		return true
	}
	return false
}

// UsesSharedKey reports whether conversations of this kind own a shared key.
func (k ConversationKind) UsesSharedKey() bool {
	return k == KindGroup || k == KindBroadcast
}

// Role is a participant's privilege level within one conversation.
// Higher values carry more privileges.
type Role int

const (
	RoleMember Role = iota
	RoleModerator
	RoleAdmin
)

// String returns the stored name of the role.
func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a stored role name back into a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "member":
		return RoleMember, true
	case "moderator":
		return RoleModerator, true
	case "admin":
		return RoleAdmin, true
	}
	return RoleMember, false
}

// MessageKind classifies message content.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageMedia  MessageKind = "media"
	MessageSystem MessageKind = "system"
)

// Valid reports whether k names a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageMedia, MessageSystem:
		return true
	}
	return false
}

// PublicKeyRecord holds the single registered public key of a user.
type PublicKeyRecord struct {
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	PublicKey string    `db:"public_key" json:"public_key"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Conversation is a direct, group or broadcast conversation.
type Conversation struct {
	ID        string           `db:"id" json:"id"`
	Kind      ConversationKind `db:"kind" json:"kind"`
	Name      string           `db:"name" json:"name,omitempty"`
	CreatedBy string           `db:"created_by" json:"created_by"`
	// CommunityID names the membership source of a broadcast conversation.
	CommunityID string `db:"community_id" json:"community_id,omitempty"`
	// Restricted limits posting to admins and moderators (channel semantics).
	Restricted bool `db:"restricted" json:"restricted"`
	// KeyFingerprint identifies the shared key without revealing it.
	KeyFingerprint []byte    `db:"key_fingerprint" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Participant is one user's membership record in a conversation.
// Records are never deleted; leaving sets LeftAt.
type Participant struct {
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Role           Role       `db:"role" json:"role"`
	JoinedAt       time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt         *time.Time `db:"left_at" json:"left_at,omitempty"`
	// WrappedKey is the shared conversation key wrapped for this user.
	// Nil until distribution succeeds; always nil for direct conversations.
	WrappedKey []byte `db:"wrapped_key" json:"-"`
}

// Active reports whether the participant has not left.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// HasKey reports whether a wrapped conversation key has been distributed.
func (p *Participant) HasKey() bool {
	return len(p.WrappedKey) > 0
}

// Community is a set of users that broadcast conversations enroll.
type Community struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name,omitempty"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CommunityMember is one user's membership in a community. Broadcast
// conversations copy Role into the participant record.
type CommunityMember struct {
	CommunityID string    `db:"community_id" json:"community_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Role        Role      `db:"role" json:"role"`
	JoinedAt    time.Time `db:"joined_at" json:"joined_at"`
}

// Message is a stored message. Envelope and KeyBundle hold the JSON wire
// encodings produced by the envelope package and are never rewritten.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	SenderID       string      `db:"sender_id" json:"sender_id"`
	Kind           MessageKind `db:"kind" json:"kind"`
	Envelope       []byte      `db:"envelope" json:"envelope,omitempty"`
	KeyBundle      []byte      `db:"key_bundle" json:"key_bundle,omitempty"`
	Timestamp      time.Time   `db:"timestamp" json:"timestamp"`
	Deleted        bool        `db:"deleted" json:"deleted"`
	DeletedAt      *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Redacted returns a copy safe to expose at a boundary: deleted messages
// lose their envelope and key bundle in the copy only.
func (m Message) Redacted() Message {
	if m.Deleted {
		m.Envelope = nil
		m.KeyBundle = nil
	}
	return m
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID    string    `db:"user_id" json:"user_id"`
	MessageID string    `db:"message_id" json:"message_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}
