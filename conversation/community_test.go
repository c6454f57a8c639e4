package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
	"github.com/opd-ai/sealchat/storage/memory"
)

func TestCommunityMembership(t *testing.T) {
	ctx := context.Background()
	clock := crypto.NewMockTimeProvider(epoch)
	c := NewCommunities(memory.New(), clock)

	_, err := c.Members(ctx, "rangers")
	assert.ErrorIs(t, err, ErrUnknownCommunity)
	_, err = c.Found(ctx, "", "", "alice")
	assert.ErrorIs(t, err, ErrInvalidCommunity)

	community, err := c.Found(ctx, "rangers", "Rangers", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", community.CreatedBy)
	_, err = c.Found(ctx, "rangers", "", "bob")
	assert.ErrorIs(t, err, storage.ErrConflict)

	clock.Advance(time.Second)
	require.NoError(t, c.Join(ctx, "rangers", "bob"))
	clock.Advance(time.Second)
	require.NoError(t, c.Join(ctx, "rangers", "carol"))
	assert.ErrorIs(t, c.Join(ctx, "rangers", "bob"), storage.ErrConflict)
	assert.ErrorIs(t, c.Join(ctx, "unknown", "bob"), ErrUnknownCommunity)

	members, err := c.Members(ctx, "rangers")
	require.NoError(t, err)
	assert.Equal(t, []Member{
		{UserID: "alice", Role: models.RoleAdmin},
		{UserID: "bob", Role: models.RoleMember},
		{UserID: "carol", Role: models.RoleMember},
	}, members)

	tests := []struct {
		name    string
		actor   string
		target  string
		role    models.Role
		wantErr error
	}{
		{"member cannot assign", "bob", "carol", models.RoleModerator, ErrPermissionDenied},
		{"unknown target", "alice", "dave", models.RoleMember, storage.ErrNotFound},
		{"last admin keeps role", "alice", "alice", models.RoleMember, ErrLastAdmin},
		{"promote", "alice", "bob", models.RoleAdmin, nil},
		{"demote with another admin", "bob", "alice", models.RoleModerator, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SetRole(ctx, "rangers", tt.actor, tt.target, tt.role)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.ErrorIs(t, c.Leave(ctx, "rangers", "bob"), ErrLastAdmin)
	require.NoError(t, c.Leave(ctx, "rangers", "carol"))
	assert.ErrorIs(t, c.Leave(ctx, "rangers", "carol"), storage.ErrNotFound)

	roster, err := c.Roster(ctx, "rangers")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, models.RoleModerator, roster[0].Role)
	assert.Equal(t, models.RoleAdmin, roster[1].Role)
}

func TestCreateBroadcastFromCommunities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")
	communities := NewCommunities(f.store, f.clock)
	mgr := NewManager(f.store, f.keys, nil, WithMembership(communities), WithTimeProvider(f.clock))

	_, err := communities.Found(ctx, "rangers", "", "alice")
	require.NoError(t, err)
	require.NoError(t, communities.Join(ctx, "rangers", "bob"))

	_, err = mgr.Create(ctx, CreateRequest{Kind: models.KindBroadcast, InitiatorID: "carol", CommunityID: "rangers"})
	assert.ErrorIs(t, err, ErrPermissionDenied, "non-members cannot start a broadcast")

	created, err := mgr.Create(ctx, CreateRequest{Kind: models.KindBroadcast, InitiatorID: "bob", CommunityID: "rangers"})
	require.NoError(t, err)
	require.Len(t, created.Participants, 2)
	assert.Equal(t, "rangers", created.Conversation.CommunityID)
	assert.Empty(t, created.Missing)
}
