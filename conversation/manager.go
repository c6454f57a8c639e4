// Package conversation implements the conversation and participant
// lifecycle: creation, adding participants, leaving, role changes and the
// posting rules of restricted channels.
//
// Every state change runs in one storage transaction. Events announcing it
// are published only after that transaction commits, and their outcome
// never affects the result of the operation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

var (
	// ErrNotParticipant indicates the user is not an active participant.
	ErrNotParticipant = errors.New("not an active participant")

	// ErrPermissionDenied indicates the user's role does not allow the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAdminCannotLeave indicates an admin tried to leave without handing
	// over the role first.
	ErrAdminCannotLeave = errors.New("admins cannot leave the conversation")

	// ErrLastAdmin indicates a change would leave a conversation or a
	// community without an active admin.
	ErrLastAdmin = errors.New("must keep an active admin")

	// ErrInvalidParticipants indicates the participant set does not fit the
	// conversation kind.
	ErrInvalidParticipants = errors.New("invalid participant set")

	// ErrWrongKind indicates the operation does not apply to the
	// conversation kind.
	ErrWrongKind = errors.New("operation not supported for conversation kind")

	// ErrKeyMismatch indicates a supplied shared key is not the
	// conversation's key. It is the keydist sentinel.
	ErrKeyMismatch = keydist.ErrKeyMismatch

	// ErrNoMembershipSource indicates a broadcast was requested without a
	// configured membership source.
	ErrNoMembershipSource = errors.New("no membership source configured")
)

// System message event names.
const (
	SystemParticipantAdded = "participant_added"
	SystemParticipantLeft  = "participant_left"
)

// Manager is the ConversationStateMachine. It holds no per-conversation
// state and is safe for concurrent use.
type Manager struct {
	store     storage.Store
	keys      *keydist.Manager
	publisher *fanout.Publisher
	members   MembershipSource
	clock     crypto.TimeProvider
}

// Option configures a Manager.
type Option func(*Manager)

// WithMembership sets the source used to enroll broadcast conversations.
func WithMembership(src MembershipSource) Option {
	return func(m *Manager) { m.members = src }
}

// WithTimeProvider overrides the clock.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.clock = tp
		}
	}
}

// NewManager creates a Manager. publisher may be nil to disable events.
func NewManager(store storage.Store, keys *keydist.Manager, publisher *fanout.Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		keys:      keys,
		publisher: publisher,
		clock:     crypto.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	Kind        models.ConversationKind
	InitiatorID string
	// OtherIDs lists the other participants of a direct or group
	// conversation. Ignored for broadcast.
	OtherIDs []string
	Name     string
	// CommunityID names the community enrolled in a broadcast.
	CommunityID string
	// Restricted gives a broadcast channel semantics.
	Restricted bool
}

// Created is the outcome of Create.
type Created struct {
	Conversation *models.Conversation
	Participants []models.Participant
	// Missing lists participants that hold no wrapped key yet.
	Missing []string
}

// Create creates a conversation with its full initial participant set.
// For group and broadcast conversations a shared key is generated and
// wrapped for every participant; a participant whose wrap fails is still
// enrolled and reported in Missing.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.InitiatorID == "" {
		return nil, fmt.Errorf("%w: initiator required", ErrInvalidParticipants)
	}

	members, err := m.initialMembers(ctx, req)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Name:      req.Name,
		CreatedBy: req.InitiatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Kind == models.KindBroadcast {
		conv.CommunityID = req.CommunityID
		conv.Restricted = req.Restricted
	}

	var dist *keydist.Distribution
	if req.Kind.UsesSharedKey() {
		ids := make([]string, len(members))
		for i, mem := range members {
			ids[i] = mem.UserID
		}
		dist, err = m.keys.CreateGroupKey(ctx, ids)
		if err != nil {
			return nil, err
		}
		defer dist.Wipe()
		conv.KeyFingerprint = dist.Fingerprint
	}

	participants := make([]models.Participant, len(members))
	err = m.store.InTx(ctx, func(q storage.Queries) error {
		if err := q.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		for i, mem := range members {
			participants[i] = models.Participant{
				ConversationID: conv.ID,
				UserID:         mem.UserID,
				Role:           mem.Role,
				JoinedAt:       now,
			}
			if err := q.AddParticipant(ctx, &participants[i]); err != nil {
				return fmt.Errorf("add participant %s: %w", mem.UserID, err)
			}
		}
		if dist == nil {
			return nil
		}
		return keydist.Apply(ctx, q, conv.ID, dist.Results)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Create",
			"package":  "conversation",
			"kind":     string(req.Kind),
			"error":    err.Error(),
		}).Error("Conversation creation failed")
		return nil, err
	}

	created := &Created{Conversation: conv, Participants: participants}
	if dist != nil {
		created.Missing = dist.Missing()
		wrapped := make(map[string][]byte, len(dist.Results))
		for _, r := range dist.Results {
			if r.Distributed() {
				wrapped[r.UserID] = r.Wrapped
			}
		}
		for i := range created.Participants {
			created.Participants[i].WrappedKey = wrapped[created.Participants[i].UserID]
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Create",
		"package":         "conversation",
		"conversation_id": conv.ID,
		"kind":            string(conv.Kind),
		"participants":    len(participants),
		"missing_keys":    len(created.Missing),
	}).Info("Conversation created")

	ids := ActiveUserIDs(participants, "")
	m.publish(ctx, ids, fanout.NewEvent(fanout.KindConversationCreated, conv.ID, map[string]interface{}{
		"kind":       string(conv.Kind),
		"name":       conv.Name,
		"created_by": conv.CreatedBy,
		"restricted": conv.Restricted,
	}, now))
	m.publishKeyUnavailable(ctx, conv.ID, created.Missing, now)
	return created, nil
}

// initialMembers resolves the participant set and roles of a new conversation.
func (m *Manager) initialMembers(ctx context.Context, req CreateRequest) ([]Member, error) {
	switch req.Kind {
	case models.KindDirect:
		others := dedupe(req.OtherIDs, req.InitiatorID)
		if len(others) != 1 {
			return nil, fmt.Errorf("%w: direct conversations need exactly one other participant, got %d",
				ErrInvalidParticipants, len(others))
		}
		return []Member{
			{UserID: req.InitiatorID, Role: models.RoleMember},
			{UserID: others[0], Role: models.RoleMember},
		}, nil

	case models.KindGroup:
		others := dedupe(req.OtherIDs, req.InitiatorID)
		if len(others) == 0 {
			return nil, fmt.Errorf("%w: group conversations need at least one other participant", ErrInvalidParticipants)
		}
		members := make([]Member, 0, len(others)+1)
		members = append(members, Member{UserID: req.InitiatorID, Role: models.RoleAdmin})
		for _, id := range others {
			members = append(members, Member{UserID: id, Role: models.RoleMember})
		}
		return members, nil

	case models.KindBroadcast:
		return m.broadcastMembers(ctx, req)

	default:
		return nil, fmt.Errorf("%w: %q", ErrWrongKind, req.Kind)
	}
}

func (m *Manager) broadcastMembers(ctx context.Context, req CreateRequest) ([]Member, error) {
	if m.members == nil {
		return nil, ErrNoMembershipSource
	}
	if req.CommunityID == "" {
		return nil, fmt.Errorf("%w: community required for broadcast", ErrInvalidParticipants)
	}
	source, err := m.members.Members(ctx, req.CommunityID)
	if err != nil {
		return nil, fmt.Errorf("community members: %w", err)
	}

	seen := make(map[string]bool, len(source))
	members := make([]Member, 0, len(source))
	initiatorIsMember := false
	for _, mem := range source {
		if mem.UserID == "" || seen[mem.UserID] {
			continue
		}
		seen[mem.UserID] = true
		if mem.UserID == req.InitiatorID {
			initiatorIsMember = true
		}
		members = append(members, mem)
	}
	if !initiatorIsMember {
		return nil, fmt.Errorf("%w: initiator is not a member of community %s", ErrPermissionDenied, req.CommunityID)
	}
	return members, nil
}

// Added is the outcome of AddParticipants.
type Added struct {
	Added   []string
	Skipped []string
	// Missing lists added users that hold no wrapped key yet.
	Missing []string
}

// AddParticipants enrolls userIDs in a group conversation. Only an active
// admin may add. Users that already have a record, active or left, are
// skipped. When the admin supplies sharedKey it must match the conversation
// fingerprint, and each new participant gets a wrap immediately; otherwise
// new participants wait for a resupply.
func (m *Manager) AddParticipants(ctx context.Context, conversationID, actorID string, userIDs []string, sharedKey []byte) (*Added, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindGroup {
		return nil, fmt.Errorf("%w: participants can only be added to group conversations", ErrWrongKind)
	}
	if _, err := requireAdmin(ctx, m.store, conversationID, actorID); err != nil {
		return nil, err
	}
	if len(sharedKey) > 0 && !crypto.VerifyKeyFingerprint(sharedKey, conv.KeyFingerprint) {
		return nil, ErrKeyMismatch
	}

	result := &Added{}
	var candidates []string
	for _, id := range dedupe(userIDs, actorID) {
		_, err := m.store.GetParticipant(ctx, conversationID, id)
		switch {
		case err == nil:
			result.Skipped = append(result.Skipped, id)
		case errors.Is(err, storage.ErrNotFound):
			candidates = append(candidates, id)
		default:
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return result, nil
	}

	wrapped := make(map[string][]byte, len(candidates))
	if len(sharedKey) > 0 {
		for _, r := range m.keys.WrapFor(ctx, sharedKey, candidates) {
			if r.Distributed() {
				wrapped[r.UserID] = r.Wrapped
			}
		}
	}

	now := m.clock.Now()
	var systemMessages []*models.Message
	var active []string
	err = m.store.InTx(ctx, func(q storage.Queries) error {
		// The pre-checks ran outside the transaction; repeat the ones that
		// guard the write.
		if _, err := requireAdmin(ctx, q, conversationID, actorID); err != nil {
			return err
		}
		result.Added, systemMessages = nil, nil
		for _, id := range candidates {
			p := &models.Participant{
				ConversationID: conversationID,
				UserID:         id,
				Role:           models.RoleMember,
				JoinedAt:       now,
				WrappedKey:     wrapped[id],
			}
			if err := q.AddParticipant(ctx, p); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					result.Skipped = append(result.Skipped, id)
					continue
				}
				return fmt.Errorf("add participant %s: %w", id, err)
			}
			result.Added = append(result.Added, id)

			msg, err := systemMessage(conversationID, SystemParticipantAdded, actorID, id,
				fmt.Sprintf("%s was added to the group", id), now)
			if err != nil {
				return err
			}
			if err := q.CreateMessage(ctx, msg); err != nil {
				return fmt.Errorf("system message: %w", err)
			}
			systemMessages = append(systemMessages, msg)
		}
		if err := q.TouchConversation(ctx, conversationID, now); err != nil {
			return err
		}
		all, err := q.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		active = ActiveUserIDs(all, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range result.Added {
		if _, ok := wrapped[id]; !ok {
			result.Missing = append(result.Missing, id)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "AddParticipants",
		"package":         "conversation",
		"conversation_id": conversationID,
		"actor_id":        actorID,
		"added":           len(result.Added),
		"skipped":         len(result.Skipped),
		"missing_keys":    len(result.Missing),
	}).Info("Participants added")

	for i, id := range result.Added {
		m.publish(ctx, active, fanout.NewEvent(fanout.KindParticipantAdded, conversationID, map[string]interface{}{
			"user_id":    id,
			"added_by":   actorID,
			"message_id": systemMessages[i].ID,
			"has_key":    len(wrapped[id]) > 0,
		}, now))
	}
	m.publishKeyUnavailable(ctx, conversationID, result.Missing, now)
	return result, nil
}

// Leave marks userID as having left. The participant record and the
// conversation history are retained. Admins must hand over their role first.
func (m *Manager) Leave(ctx context.Context, conversationID, userID string) error {
	now := m.clock.Now()
	var (
		msg       *models.Message
		remaining []string
	)
	err := m.store.InTx(ctx, func(q storage.Queries) error {
		p, err := ActiveParticipant(ctx, q, conversationID, userID)
		if err != nil {
			return err
		}
		if p.Role == models.RoleAdmin {
			return ErrAdminCannotLeave
		}

		p.LeftAt = &now
		if err := q.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("leave: %w", err)
		}

		msg, err = systemMessage(conversationID, SystemParticipantLeft, userID, "",
			fmt.Sprintf("%s left the conversation", userID), now)
		if err != nil {
			return err
		}
		if err := q.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("system message: %w", err)
		}
		if err := q.TouchConversation(ctx, conversationID, now); err != nil {
			return err
		}

		all, err := q.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		remaining = ActiveUserIDs(all, userID)
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Leave",
		"package":         "conversation",
		"conversation_id": conversationID,
		"user_id":         userID,
	}).Info("Participant left")

	m.publish(ctx, remaining, fanout.NewEvent(fanout.KindParticipantLeft, conversationID, map[string]interface{}{
		"user_id":    userID,
		"message_id": msg.ID,
	}, now))
	return nil
}

// SetRole changes the role of targetID. Only active admins may change roles,
// and an admin may demote themselves only while another active admin
// remains. Direct conversations have no roles to manage.
func (m *Manager) SetRole(ctx context.Context, conversationID, actorID, targetID string, role models.Role) error {
	if role < models.RoleMember || role > models.RoleAdmin {
		return fmt.Errorf("%w: unknown role %d", ErrPermissionDenied, role)
	}

	now := m.clock.Now()
	var (
		oldRole models.Role
		active  []string
		changed bool
	)
	err := m.store.InTx(ctx, func(q storage.Queries) error {
		conv, err := q.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Kind == models.KindDirect {
			return fmt.Errorf("%w: direct conversations have no roles", ErrWrongKind)
		}
		if _, err := requireAdmin(ctx, q, conversationID, actorID); err != nil {
			return err
		}
		target, err := ActiveParticipant(ctx, q, conversationID, targetID)
		if err != nil {
			return err
		}

		all, err := q.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		if target.Role == models.RoleAdmin && role < models.RoleAdmin && countAdmins(all) <= 1 {
			return ErrLastAdmin
		}

		oldRole = target.Role
		if oldRole == role {
			return nil
		}
		target.Role = role
		if err := q.UpdateParticipant(ctx, target); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		changed = true
		active = ActiveUserIDs(all, "")
		return nil
	})
	if err != nil || !changed {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "SetRole",
		"package":         "conversation",
		"conversation_id": conversationID,
		"actor_id":        actorID,
		"target_id":       targetID,
		"old_role":        oldRole.String(),
		"new_role":        role.String(),
	}).Info("Participant role changed")

	m.publish(ctx, active, fanout.NewEvent(fanout.KindRoleChanged, conversationID, map[string]interface{}{
		"user_id":    targetID,
		"changed_by": actorID,
		"old_role":   oldRole.String(),
		"new_role":   role.String(),
	}, now))
	return nil
}

func countAdmins(participants []models.Participant) int {
	n := 0
	for i := range participants {
		if participants[i].Active() && participants[i].Role == models.RoleAdmin {
			n++
		}
	}
	return n
}

// Resupply stores a wrap of the shared key that actorID produced on their
// own device for targetID, who holds none yet.
func (m *Manager) Resupply(ctx context.Context, conversationID, actorID, targetID string, wrapped []byte) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.Kind.UsesSharedKey() {
		return fmt.Errorf("%w: direct conversations have no shared key", ErrWrongKind)
	}

	err = m.store.InTx(ctx, func(q storage.Queries) error {
		return m.keys.Resupply(ctx, q, conversationID, actorID, targetID, wrapped)
	})
	if err != nil {
		return err
	}

	m.publish(ctx, []string{targetID}, fanout.NewEvent(fanout.KindNotification, conversationID, map[string]interface{}{
		"event":       "key_resupplied",
		"supplied_by": actorID,
	}, m.clock.Now()))
	return nil
}

// Get returns the conversation and its participants for requesterID, who
// must have a participant record, active or left.
func (m *Manager) Get(ctx context.Context, conversationID, requesterID string) (*models.Conversation, []models.Participant, error) {
	if _, err := m.store.GetParticipant(ctx, conversationID, requesterID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, requesterID, conversationID)
		}
		return nil, nil, err
	}
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	participants, err := m.store.ListParticipants(ctx, conversationID, false)
	if err != nil {
		return nil, nil, err
	}
	return conv, participants, nil
}

// WrappedKey returns the wrapped shared key held by userID.
func (m *Manager) WrappedKey(ctx context.Context, conversationID, userID string) ([]byte, error) {
	if _, err := m.store.GetParticipant(ctx, conversationID, userID); errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, userID, conversationID)
	}
	return keydist.WrappedKeyFor(ctx, m.store, conversationID, userID)
}

// systemMessage builds an unencrypted system message.
func systemMessage(conversationID, event, actorID, subjectID, text string, at time.Time) (*models.Message, error) {
	body, err := envelope.EncodeSystem(event, actorID, subjectID, text)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       actorID,
		Kind:           models.MessageSystem,
		Envelope:       body,
		Timestamp:      at,
	}, nil
}

func (m *Manager) publish(ctx context.Context, userIDs []string, ev fanout.Event) {
	if m.publisher == nil || len(userIDs) == 0 {
		return
	}
	m.publisher.PublishAll(ctx, userIDs, ev).Log()
}

func (m *Manager) publishKeyUnavailable(ctx context.Context, conversationID string, userIDs []string, at time.Time) {
	for _, id := range userIDs {
		m.publish(ctx, []string{id}, fanout.NewEvent(fanout.KindKeyUnavailable, conversationID, map[string]interface{}{
			"user_id": id,
			"reason":  keydist.ErrNotDistributed.Error(),
		}, at))
	}
}
