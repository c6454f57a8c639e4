// Package memory provides an in-process implementation of storage.Store.
// Transactions write to the live state under the store lock and keep an
// undo journal; a failed transaction replays the journal backwards, so it
// leaves nothing behind and costs only what it wrote.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

type receiptKey struct {
	userID    string
	messageID string
}

type state struct {
	keys          map[string]models.PublicKeyRecord
	conversations map[string]models.Conversation
	participants  map[string]map[string]models.Participant
	messages      map[string]models.Message
	// byConversation indexes message ids per conversation.
	byConversation map[string][]string
	receipts       map[receiptKey]models.ReadReceipt
	communities    map[string]models.Community
	members        map[string]map[string]models.CommunityMember
}

func newState() *state {
	return &state{
		keys:           make(map[string]models.PublicKeyRecord),
		conversations:  make(map[string]models.Conversation),
		participants:   make(map[string]map[string]models.Participant),
		messages:       make(map[string]models.Message),
		byConversation: make(map[string][]string),
		receipts:       make(map[receiptKey]models.ReadReceipt),
		communities:    make(map[string]models.Community),
		members:        make(map[string]map[string]models.CommunityMember),
	}
}

// Store is an in-memory storage.Store. The zero value is not usable; call New.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

var _ storage.Store = (*Store)(nil)

// InTx runs fn against the live state with an undo journal and rolls the
// journal back when fn fails or panics. Transactions are serialized.
func (s *Store) InTx(ctx context.Context, fn func(q storage.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	v := &view{st: s.state, journal: &journal{}}
	committed := false
	defer func() {
		if !committed {
			v.journal.rollback()
		}
	}()
	if err := fn(v); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// locked runs fn against the live state under the store lock.
func (s *Store) locked(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.state})
}

func (s *Store) PutPublicKey(ctx context.Context, rec *models.PublicKeyRecord) error {
	return s.locked(func(v *view) error { return v.PutPublicKey(ctx, rec) })
}

func (s *Store) GetPublicKey(ctx context.Context, ownerID string) (rec *models.PublicKeyRecord, err error) {
	err = s.locked(func(v *view) error {
		rec, err = v.GetPublicKey(ctx, ownerID)
		return err
	})
	return rec, err
}

func (s *Store) GetPublicKeys(ctx context.Context, ownerIDs []string) (recs []models.PublicKeyRecord, err error) {
	err = s.locked(func(v *view) error {
		recs, err = v.GetPublicKeys(ctx, ownerIDs)
		return err
	})
	return recs, err
}

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) error {
	return s.locked(func(v *view) error { return v.CreateConversation(ctx, c) })
}

func (s *Store) GetConversation(ctx context.Context, id string) (c *models.Conversation, err error) {
	err = s.locked(func(v *view) error {
		c, err = v.GetConversation(ctx, id)
		return err
	})
	return c, err
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	return s.locked(func(v *view) error { return v.TouchConversation(ctx, id, at) })
}

func (s *Store) AddParticipant(ctx context.Context, p *models.Participant) error {
	return s.locked(func(v *view) error { return v.AddParticipant(ctx, p) })
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (p *models.Participant, err error) {
	err = s.locked(func(v *view) error {
		p, err = v.GetParticipant(ctx, conversationID, userID)
		return err
	})
	return p, err
}

func (s *Store) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) (ps []models.Participant, err error) {
	err = s.locked(func(v *view) error {
		ps, err = v.ListParticipants(ctx, conversationID, activeOnly)
		return err
	})
	return ps, err
}

func (s *Store) UpdateParticipant(ctx context.Context, p *models.Participant) error {
	return s.locked(func(v *view) error { return v.UpdateParticipant(ctx, p) })
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	return s.locked(func(v *view) error { return v.CreateMessage(ctx, m) })
}

func (s *Store) GetMessage(ctx context.Context, id string) (m *models.Message, err error) {
	err = s.locked(func(v *view) error {
		m, err = v.GetMessage(ctx, id)
		return err
	})
	return m, err
}

func (s *Store) MarkMessageDeleted(ctx context.Context, id string, at time.Time) error {
	return s.locked(func(v *view) error { return v.MarkMessageDeleted(ctx, id, at) })
}

func (s *Store) ListMessages(ctx context.Context, q storage.MessageQuery) (ms []models.Message, err error) {
	err = s.locked(func(v *view) error {
		ms, err = v.ListMessages(ctx, q)
		return err
	})
	return ms, err
}

func (s *Store) CreateReadReceipt(ctx context.Context, r *models.ReadReceipt) (created bool, err error) {
	err = s.locked(func(v *view) error {
		created, err = v.CreateReadReceipt(ctx, r)
		return err
	})
	return created, err
}

func (s *Store) CreateCommunity(ctx context.Context, c *models.Community) error {
	return s.locked(func(v *view) error { return v.CreateCommunity(ctx, c) })
}

func (s *Store) GetCommunity(ctx context.Context, id string) (c *models.Community, err error) {
	err = s.locked(func(v *view) error {
		c, err = v.GetCommunity(ctx, id)
		return err
	})
	return c, err
}

func (s *Store) AddCommunityMember(ctx context.Context, m *models.CommunityMember) error {
	return s.locked(func(v *view) error { return v.AddCommunityMember(ctx, m) })
}

func (s *Store) UpdateCommunityMember(ctx context.Context, m *models.CommunityMember) error {
	return s.locked(func(v *view) error { return v.UpdateCommunityMember(ctx, m) })
}

func (s *Store) RemoveCommunityMember(ctx context.Context, communityID, userID string) error {
	return s.locked(func(v *view) error { return v.RemoveCommunityMember(ctx, communityID, userID) })
}

func (s *Store) ListCommunityMembers(ctx context.Context, communityID string) (ms []models.CommunityMember, err error) {
	err = s.locked(func(v *view) error {
		ms, err = v.ListCommunityMembers(ctx, communityID)
		return err
	})
	return ms, err
}

// journal records how to revert each write of a transaction.
type journal struct {
	undo []func()
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// view implements storage.Queries over one state without locking. Writes
// are journaled when the view belongs to a transaction.
type view struct {
	st      *state
	journal *journal
}

func (v *view) record(fn func()) {
	if v.journal != nil {
		v.journal.undo = append(v.journal.undo, fn)
	}
}

func (v *view) PutPublicKey(_ context.Context, rec *models.PublicKeyRecord) error {
	prev, existed := v.st.keys[rec.OwnerID]
	v.record(func() {
		if existed {
			v.st.keys[rec.OwnerID] = prev
			return
		}
		delete(v.st.keys, rec.OwnerID)
	})
	v.st.keys[rec.OwnerID] = *rec
	return nil
}

func (v *view) GetPublicKey(_ context.Context, ownerID string) (*models.PublicKeyRecord, error) {
	rec, ok := v.st.keys[ownerID]
	if !ok {
		return nil, fmt.Errorf("public key for %s: %w", ownerID, storage.ErrNotFound)
	}
	return &rec, nil
}

func (v *view) GetPublicKeys(_ context.Context, ownerIDs []string) ([]models.PublicKeyRecord, error) {
	out := make([]models.PublicKeyRecord, 0, len(ownerIDs))
	seen := make(map[string]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if rec, ok := v.st.keys[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (v *view) CreateConversation(_ context.Context, c *models.Conversation) error {
	if _, ok := v.st.conversations[c.ID]; ok {
		return fmt.Errorf("conversation %s: %w", c.ID, storage.ErrConflict)
	}
	v.record(func() { delete(v.st.conversations, c.ID) })
	v.st.conversations[c.ID] = *c
	return nil
}

func (v *view) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	c, ok := v.st.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (v *view) TouchConversation(_ context.Context, id string, at time.Time) error {
	c, ok := v.st.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	prev := c
	v.record(func() { v.st.conversations[id] = prev })
	c.UpdatedAt = at
	v.st.conversations[id] = c
	return nil
}

func (v *view) AddParticipant(_ context.Context, p *models.Participant) error {
	if _, ok := v.st.conversations[p.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", p.ConversationID, storage.ErrNotFound)
	}
	members := v.st.participants[p.ConversationID]
	if members == nil {
		members = make(map[string]models.Participant)
		v.st.participants[p.ConversationID] = members
	}
	if _, ok := members[p.UserID]; ok {
		return fmt.Errorf("participant %s in %s: %w", p.UserID, p.ConversationID, storage.ErrConflict)
	}
	v.record(func() { delete(members, p.UserID) })
	members[p.UserID] = *p
	return nil
}

func (v *view) GetParticipant(_ context.Context, conversationID, userID string) (*models.Participant, error) {
	p, ok := v.st.participants[conversationID][userID]
	if !ok {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, conversationID, storage.ErrNotFound)
	}
	return &p, nil
}

func (v *view) ListParticipants(_ context.Context, conversationID string, activeOnly bool) ([]models.Participant, error) {
	out := make([]models.Participant, 0, len(v.st.participants[conversationID]))
	for _, p := range v.st.participants[conversationID] {
		if activeOnly && !p.Active() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (v *view) UpdateParticipant(_ context.Context, p *models.Participant) error {
	members := v.st.participants[p.ConversationID]
	cur, ok := members[p.UserID]
	if !ok {
		return fmt.Errorf("participant %s in %s: %w", p.UserID, p.ConversationID, storage.ErrNotFound)
	}
	prev := cur
	v.record(func() { members[p.UserID] = prev })
	cur.Role = p.Role
	cur.LeftAt = p.LeftAt
	cur.WrappedKey = p.WrappedKey
	members[p.UserID] = cur
	return nil
}

func (v *view) CreateMessage(_ context.Context, m *models.Message) error {
	if _, ok := v.st.conversations[m.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, storage.ErrNotFound)
	}
	if _, ok := v.st.messages[m.ID]; ok {
		return fmt.Errorf("message %s: %w", m.ID, storage.ErrConflict)
	}
	ids := v.st.byConversation[m.ConversationID]
	v.record(func() {
		delete(v.st.messages, m.ID)
		v.st.byConversation[m.ConversationID] = ids
	})
	v.st.messages[m.ID] = *m
	v.st.byConversation[m.ConversationID] = append(ids, m.ID)
	return nil
}

func (v *view) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m, ok := v.st.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return &m, nil
}

func (v *view) MarkMessageDeleted(_ context.Context, id string, at time.Time) error {
	m, ok := v.st.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	prev := m
	v.record(func() { v.st.messages[id] = prev })
	m.Deleted = true
	m.DeletedAt = &at
	v.st.messages[id] = m
	return nil
}

func (v *view) ListMessages(_ context.Context, q storage.MessageQuery) ([]models.Message, error) {
	var out []models.Message
	for _, id := range v.st.byConversation[q.ConversationID] {
		m := v.st.messages[id]
		if m.Deleted && !q.IncludeDeleted {
			continue
		}
		if q.ExcludeSender != "" && m.SenderID == q.ExcludeSender {
			continue
		}
		pos := storage.PositionOf(&m)
		if q.Before != nil && !pos.Less(*q.Before) {
			continue
		}
		if q.Through != nil && q.Through.Less(pos) {
			continue
		}
		if q.Until != nil && m.Timestamp.After(*q.Until) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return storage.PositionOf(&out[j]).Less(storage.PositionOf(&out[i]))
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v *view) CreateReadReceipt(_ context.Context, r *models.ReadReceipt) (bool, error) {
	if _, ok := v.st.messages[r.MessageID]; !ok {
		return false, fmt.Errorf("message %s: %w", r.MessageID, storage.ErrNotFound)
	}
	k := receiptKey{userID: r.UserID, messageID: r.MessageID}
	if _, ok := v.st.receipts[k]; ok {
		return false, nil
	}
	v.record(func() { delete(v.st.receipts, k) })
	v.st.receipts[k] = *r
	return true, nil
}

func (v *view) CreateCommunity(_ context.Context, c *models.Community) error {
	if _, ok := v.st.communities[c.ID]; ok {
		return fmt.Errorf("community %s: %w", c.ID, storage.ErrConflict)
	}
	v.record(func() { delete(v.st.communities, c.ID) })
	v.st.communities[c.ID] = *c
	return nil
}

func (v *view) GetCommunity(_ context.Context, id string) (*models.Community, error) {
	c, ok := v.st.communities[id]
	if !ok {
		return nil, fmt.Errorf("community %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (v *view) AddCommunityMember(_ context.Context, m *models.CommunityMember) error {
	if _, ok := v.st.communities[m.CommunityID]; !ok {
		return fmt.Errorf("community %s: %w", m.CommunityID, storage.ErrNotFound)
	}
	members := v.st.members[m.CommunityID]
	if members == nil {
		members = make(map[string]models.CommunityMember)
		v.st.members[m.CommunityID] = members
	}
	if _, ok := members[m.UserID]; ok {
		return fmt.Errorf("member %s of %s: %w", m.UserID, m.CommunityID, storage.ErrConflict)
	}
	v.record(func() { delete(members, m.UserID) })
	members[m.UserID] = *m
	return nil
}

func (v *view) UpdateCommunityMember(_ context.Context, m *models.CommunityMember) error {
	members := v.st.members[m.CommunityID]
	cur, ok := members[m.UserID]
	if !ok {
		return fmt.Errorf("member %s of %s: %w", m.UserID, m.CommunityID, storage.ErrNotFound)
	}
	prev := cur
	v.record(func() { members[m.UserID] = prev })
	cur.Role = m.Role
	members[m.UserID] = cur
	return nil
}

func (v *view) RemoveCommunityMember(_ context.Context, communityID, userID string) error {
	members := v.st.members[communityID]
	prev, ok := members[userID]
	if !ok {
		return fmt.Errorf("member %s of %s: %w", userID, communityID, storage.ErrNotFound)
	}
	v.record(func() { members[userID] = prev })
	delete(members, userID)
	return nil
}

func (v *view) ListCommunityMembers(_ context.Context, communityID string) ([]models.CommunityMember, error) {
	out := make([]models.CommunityMember, 0, len(v.st.members[communityID]))
	for _, m := range v.st.members[communityID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// ReadReceipts returns the receipts recorded for messageID, ordered by user.
func (s *Store) ReadReceipts(messageID string) []models.ReadReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ReadReceipt
	for k, r := range s.state.receipts {
		if k.messageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
