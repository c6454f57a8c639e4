package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommunityRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/communities", map[string]string{"id": "rangers", "name": "Rangers"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, "bob", http.MethodPost, "/communities", map[string]string{"id": "rangers"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, "bob", http.MethodPost, "/communities", map[string]string{"name": "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, "bob", http.MethodPost, "/communities/rangers/join", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, "bob", http.MethodPost, "/communities/rangers/join", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, "carol", http.MethodPost, "/communities/rangers/join", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "carol", http.MethodPost, "/communities/unknown/join", nil).Code)

	rec = f.do(t, "bob", http.MethodPut, "/communities/rangers/members/carol/role", map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, "alice", http.MethodPut, "/communities/rangers/members/bob/role", map[string]string{"role": "moderator"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "alice", http.MethodPut, "/communities/rangers/members/dave/role", map[string]string{"role": "member"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, "alice", http.MethodPost, "/communities/rangers/leave", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "the last admin stays")

	rec = f.do(t, "carol", http.MethodGet, "/communities/rangers/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roster struct {
		Members []struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		} `json:"members"`
	}
	decode(t, rec, &roster)
	roles := make(map[string]string)
	for _, m := range roster.Members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, map[string]string{"alice": "admin", "bob": "moderator", "carol": "member"}, roles)
}

func TestBroadcastFromCommunity(t *testing.T) {
	f := newFixture(t)
	f.registerKeys(t, "alice", "bob", "carol")
	kps := keyPairs()

	require.Equal(t, http.StatusCreated,
		f.do(t, "alice", http.MethodPost, "/communities", map[string]string{"id": "rangers"}).Code)
	for _, id := range []string{"bob", "carol"} {
		require.Equal(t, http.StatusNoContent, f.do(t, id, http.MethodPost, "/communities/rangers/join", nil).Code)
	}
	require.Equal(t, http.StatusNoContent, f.do(t, "alice", http.MethodPut,
		"/communities/rangers/members/bob/role", map[string]string{"role": "moderator"}).Code)

	rec := f.do(t, "carol", http.MethodPost, "/conversations", map[string]interface{}{
		"kind": "broadcast", "community_id": "elsewhere",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	created := f.createConversation(t, "alice", map[string]interface{}{
		"kind":         "broadcast",
		"name":         "announcements",
		"community_id": "rangers",
		"restricted":   true,
	})
	assert.Equal(t, "broadcast", created.Conversation.Kind)
	assert.Empty(t, created.Missing)
	roles := make(map[string]string)
	for _, p := range created.Participants {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, map[string]string{"alice": "admin", "bob": "moderator", "carol": "member"}, roles)
	convPath := "/conversations/" + created.Conversation.ID

	sharedFor := func(user string) []byte {
		rec := f.do(t, user, http.MethodGet, convPath+"/key", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var wrapped struct {
			WrappedKey []byte `json:"wrapped_key"`
		}
		decode(t, rec, &wrapped)
		key, err := f.keys.Unwrap(wrapped.WrappedKey, kps[user].Private)
		require.NoError(t, err)
		return key
	}

	rec = f.do(t, "bob", http.MethodPost, convPath+"/messages", map[string]interface{}{
		"content": "trail closed", "conversation_key": sharedFor("bob"),
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, "carol", http.MethodPost, convPath+"/messages", map[string]interface{}{
		"content": "can I post?", "conversation_key": sharedFor("carol"),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "members cannot post in restricted broadcasts")
}
