package keydist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
	"github.com/opd-ai/sealchat/storage/memory"
)

func TestCreateGroupKeyIsolatesFailures(t *testing.T) {
	kps := testPairs(2)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	lookup.set("bob", kps[1].Public)
	lookup.set("broken", []byte("not a pem key"))

	m := NewManager(engine, lookup)
	dist, err := m.CreateGroupKey(context.Background(), []string{"alice", "carol", "bob", "broken"})
	require.NoError(t, err)

	require.Len(t, dist.Results, 4)
	assert.Equal(t, []string{"alice", "carol", "bob", "broken"},
		[]string{dist.Results[0].UserID, dist.Results[1].UserID, dist.Results[2].UserID, dist.Results[3].UserID})

	assert.True(t, dist.Results[0].Distributed())
	assert.False(t, dist.Results[1].Distributed())
	assert.ErrorIs(t, dist.Results[1].Err, errNoKey)
	assert.True(t, dist.Results[2].Distributed())
	assert.ErrorIs(t, dist.Results[3].Err, crypto.ErrInvalidKeyMaterial)
	assert.Equal(t, []string{"carol", "broken"}, dist.Missing())

	for i, kp := range kps {
		wrapped := dist.Results[[]int{0, 2}[i]].Wrapped
		key, err := engine.Unwrap(wrapped, kp.Private)
		require.NoError(t, err)
		assert.Equal(t, dist.Key, key)
	}
	assert.True(t, crypto.VerifyKeyFingerprint(dist.Key, dist.Fingerprint))

	dist.Wipe()
	assert.Equal(t, make([]byte, crypto.SymmetricKeySize), dist.Key)
}

func TestWrapForBoundedParallelism(t *testing.T) {
	kps := testPairs(1)
	lookup := newMockKeyLookup()
	lookup.delay = 20 * time.Millisecond

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%02d", i)
		lookup.set(ids[i], kps[0].Public)
	}

	m := NewManager(engine, lookup, WithWorkers(4))
	key, err := engine.GenerateSymmetricKey()
	require.NoError(t, err)

	results := m.WrapFor(context.Background(), key, ids)
	require.Len(t, results, len(ids))
	for i, r := range results {
		assert.Equal(t, ids[i], r.UserID)
		assert.True(t, r.Distributed())
	}

	assert.LessOrEqual(t, lookup.maxConcurrent(), 4)
	assert.Greater(t, lookup.maxConcurrent(), 1, "wraps should run in parallel")
}

func TestWrapForEmpty(t *testing.T) {
	m := NewManager(engine, newMockKeyLookup())
	assert.Empty(t, m.WrapFor(context.Background(), make([]byte, 32), nil))
}

func seedGroup(t *testing.T, s storage.Store, fingerprint []byte, users ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateConversation(ctx, &models.Conversation{
		ID: "g1", Kind: models.KindGroup, KeyFingerprint: fingerprint, CreatedAt: now, UpdatedAt: now,
	}))
	for _, u := range users {
		require.NoError(t, s.AddParticipant(ctx, &models.Participant{ConversationID: "g1", UserID: u, JoinedAt: now}))
	}
}

func TestApplyAndWrappedKeyFor(t *testing.T) {
	ctx := context.Background()
	kps := testPairs(2)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	lookup.set("bob", kps[1].Public)

	m := NewManager(engine, lookup)
	dist, err := m.CreateGroupKey(ctx, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	s := memory.New()
	seedGroup(t, s, dist.Fingerprint, "alice", "bob", "carol")
	require.NoError(t, s.InTx(ctx, func(q storage.Queries) error {
		return Apply(ctx, q, "g1", dist.Results)
	}))

	wrapped, err := WrappedKeyFor(ctx, s, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, dist.Results[0].Wrapped, wrapped)

	_, err = WrappedKeyFor(ctx, s, "g1", "carol")
	assert.ErrorIs(t, err, ErrNotDistributed)

	_, err = WrappedKeyFor(ctx, s, "g1", "mallory")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	key, err := m.OpenConversationKey(ctx, s, "g1", "bob", kps[1].Private)
	require.NoError(t, err)
	assert.Equal(t, dist.Key, key)

	_, err = m.OpenConversationKey(ctx, s, "g1", "bob", kps[0].Private)
	assert.ErrorIs(t, err, crypto.ErrUnwrapFailure)

	_, err = m.OpenConversationKey(ctx, s, "g1", "carol", kps[0].Private)
	assert.ErrorIs(t, err, ErrNotDistributed)
}

func TestOpenConversationKeyDetectsForeignKey(t *testing.T) {
	ctx := context.Background()
	kps := testPairs(1)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	m := NewManager(engine, lookup)

	actual, err := engine.GenerateSymmetricKey()
	require.NoError(t, err)
	forged, err := engine.GenerateSymmetricKey()
	require.NoError(t, err)

	s := memory.New()
	seedGroup(t, s, crypto.KeyFingerprint(actual), "alice")
	require.NoError(t, Apply(ctx, s, "g1", m.WrapFor(ctx, forged, []string{"alice"})))

	_, err = m.OpenConversationKey(ctx, s, "g1", "alice", kps[0].Private)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestCheckWrapSize(t *testing.T) {
	ctx := context.Background()
	kps := testPairs(1)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	m := NewManager(engine, lookup)

	wrapped, err := engine.Wrap(make([]byte, 32), kps[0].Public)
	require.NoError(t, err)

	assert.NoError(t, m.CheckWrapSize(ctx, "alice", wrapped))
	assert.ErrorIs(t, m.CheckWrapSize(ctx, "alice", wrapped[:100]), ErrWrongWrapSize)
	assert.ErrorIs(t, m.CheckWrapSize(ctx, "carol", wrapped), errNoKey)
}

func TestResupply(t *testing.T) {
	ctx := context.Background()
	kps := testPairs(3)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	lookup.set("carol", kps[2].Public)
	m := NewManager(engine, lookup)

	dist, err := m.CreateGroupKey(ctx, []string{"alice", "carol", "dave"})
	require.NoError(t, err)
	dist.Results[1] = Result{UserID: "carol", Err: errNoKey}

	s := memory.New()
	seedGroup(t, s, dist.Fingerprint, "alice", "carol", "dave")
	require.NoError(t, Apply(ctx, s, "g1", dist.Results))

	// alice opens the key and wraps it for carol on her own device.
	key, err := m.OpenConversationKey(ctx, s, "g1", "alice", kps[0].Private)
	require.NoError(t, err)
	forCarol, err := engine.Wrap(key, kps[2].Public)
	require.NoError(t, err)

	tests := []struct {
		name    string
		actor   string
		target  string
		wrapped []byte
		wantErr error
	}{
		{"actor without key", "dave", "carol", forCarol, ErrNotDistributed},
		{"unknown actor", "mallory", "carol", forCarol, storage.ErrNotFound},
		{"target already holds key", "alice", "alice", forCarol, ErrAlreadyDistributed},
		{"wrong size", "alice", "carol", forCarol[:64], ErrWrongWrapSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Resupply(ctx, s, "g1", tt.actor, tt.target, tt.wrapped)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.NoError(t, m.Resupply(ctx, s, "g1", "alice", "carol", forCarol))
	opened, err := m.OpenConversationKey(ctx, s, "g1", "carol", kps[2].Private)
	require.NoError(t, err)
	assert.Equal(t, key, opened)

	assert.ErrorIs(t, m.Resupply(ctx, s, "g1", "alice", "carol", forCarol), ErrAlreadyDistributed)
}

func TestResupplyRejectsLeftParticipants(t *testing.T) {
	ctx := context.Background()
	kps := testPairs(2)
	lookup := newMockKeyLookup()
	lookup.set("alice", kps[0].Public)
	lookup.set("bob", kps[1].Public)
	m := NewManager(engine, lookup)

	key, err := engine.GenerateSymmetricKey()
	require.NoError(t, err)

	s := memory.New()
	seedGroup(t, s, crypto.KeyFingerprint(key), "alice", "bob")
	require.NoError(t, Apply(ctx, s, "g1", m.WrapFor(ctx, key, []string{"alice"})))

	bob, err := s.GetParticipant(ctx, "g1", "bob")
	require.NoError(t, err)
	left := time.Now().UTC()
	bob.LeftAt = &left
	require.NoError(t, s.UpdateParticipant(ctx, bob))

	forBob, err := engine.Wrap(key, kps[1].Public)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Resupply(ctx, s, "g1", "alice", "bob", forBob), ErrInactiveParticipant)
}
