package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

// openTestStore connects to SEALCHAT_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SEALCHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SEALCHAT_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := DefaultConnectOptions()
	opts.MaxRetries = 1
	db, err := Connect(ctx, dsn, opts)
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultConnectOptions(t *testing.T) {
	opts := DefaultConnectOptions()
	assert.Equal(t, 10, opts.MaxRetries)
	assert.Equal(t, 3*time.Second, opts.RetryDelay)
	assert.Equal(t, 25, opts.MaxOpenConns)
}

func TestMigrationsCoverSchema(t *testing.T) {
	tables := []string{"public_keys", "conversations", "participants", "messages", "read_receipts", "communities", "community_members"}
	for _, table := range tables {
		found := false
		for _, stmt := range migrations {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
				break
			}
		}
		assert.True(t, found, "no migration creates %s", table)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	convID := uuid.NewString()
	owner := "user-" + uuid.NewString()
	other := "user-" + uuid.NewString()

	require.NoError(t, s.PutPublicKey(ctx, &models.PublicKeyRecord{OwnerID: owner, PublicKey: "pem-1", CreatedAt: now}))
	require.NoError(t, s.PutPublicKey(ctx, &models.PublicKeyRecord{OwnerID: owner, PublicKey: "pem-2", CreatedAt: now}))
	rec, err := s.GetPublicKey(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "pem-2", rec.PublicKey)

	recs, err := s.GetPublicKeys(ctx, []string{owner, other})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	err = s.InTx(ctx, func(q storage.Queries) error {
		if err := q.CreateConversation(ctx, &models.Conversation{
			ID: convID, Kind: models.KindGroup, CreatedBy: owner,
			KeyFingerprint: []byte{1, 2, 3}, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := q.AddParticipant(ctx, &models.Participant{
			ConversationID: convID, UserID: owner, Role: models.RoleAdmin, JoinedAt: now, WrappedKey: []byte{9},
		}); err != nil {
			return err
		}
		return q.AddParticipant(ctx, &models.Participant{
			ConversationID: convID, UserID: other, Role: models.RoleMember, JoinedAt: now,
		})
	})
	require.NoError(t, err)

	err = s.AddParticipant(ctx, &models.Participant{ConversationID: convID, UserID: owner, JoinedAt: now})
	assert.ErrorIs(t, err, storage.ErrConflict)

	p, err := s.GetParticipant(ctx, convID, other)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, p.Role)
	assert.Nil(t, p.WrappedKey)

	msgID := uuid.NewString()
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ID: msgID, ConversationID: convID, SenderID: owner, Kind: models.MessageText,
		Envelope: []byte(`{"ciphertext":""}`), Timestamp: now,
	}))
	require.NoError(t, s.MarkMessageDeleted(ctx, msgID, now.Add(time.Second)))

	m, err := s.GetMessage(ctx, msgID)
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.Equal(t, `{"ciphertext":""}`, string(m.Envelope))

	created, err := s.CreateReadReceipt(ctx, &models.ReadReceipt{UserID: other, MessageID: msgID, ReadAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateReadReceipt(ctx, &models.ReadReceipt{UserID: other, MessageID: msgID, ReadAt: now})
	require.NoError(t, err)
	assert.False(t, created)

	visible, err := s.ListMessages(ctx, storage.MessageQuery{ConversationID: convID})
	require.NoError(t, err)
	assert.Empty(t, visible)

	tied := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, id := range tied {
		require.NoError(t, s.CreateMessage(ctx, &models.Message{
			ID: id, ConversationID: convID, SenderID: owner, Kind: models.MessageText,
			Envelope: []byte(`{}`), Timestamp: now,
		}))
	}
	var paged []string
	var cursor *storage.Position
	for {
		page, err := s.ListMessages(ctx, storage.MessageQuery{ConversationID: convID, Before: cursor, Limit: 1})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page[0].ID)
		next := storage.PositionOf(&page[0])
		cursor = &next
	}
	assert.ElementsMatch(t, tied, paged, "messages sharing a timestamp are paged by id")
}
