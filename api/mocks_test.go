package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/messaging"
	"github.com/opd-ai/sealchat/registry"
	"github.com/opd-ai/sealchat/storage/memory"
)

var (
	pairsOnce sync.Once
	engine    *crypto.Engine
	pairs     map[string]*crypto.KeyPair
)

func keyPairs() map[string]*crypto.KeyPair {
	pairsOnce.Do(func() {
		var err error
		engine, err = crypto.NewEngine()
		if err != nil {
			panic(err)
		}
		pairs = make(map[string]*crypto.KeyPair)
		for _, id := range []string{"alice", "bob", "carol"} {
			kp, err := engine.GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			pairs[id] = kp
		}
	})
	return pairs
}

var (
	epoch  = time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)
	secret = []byte("test-session-secret")
)

type fixture struct {
	store  *memory.Store
	clock  *crypto.MockTimeProvider
	auth   *TokenAuth
	keys   *keydist.Manager
	router *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keyPairs()

	f := &fixture{
		store: memory.New(),
		clock: crypto.NewMockTimeProvider(epoch),
	}
	f.auth = NewTokenAuth(secret, f.clock)
	reg := registry.New(f.store, engine, f.clock)
	f.keys = keydist.NewManager(engine, reg)
	codec := envelope.NewCodec(engine, reg)
	publisher := fanout.NewPublisher(fanout.NewHub(16), fanout.WithTimeout(50*time.Millisecond))
	communities := conversation.NewCommunities(f.store, f.clock)
	convs := conversation.NewManager(f.store, f.keys, publisher,
		conversation.WithMembership(communities), conversation.WithTimeProvider(f.clock))
	msgs := messaging.NewService(f.store, codec, publisher, messaging.WithTimeProvider(f.clock))

	f.router = mux.NewRouter()
	NewServer(reg, convs, msgs, communities, f.auth).Register(f.router)
	return f
}

// do sends an authenticated request as userID. An empty userID sends no
// token.
func (f *fixture) do(t *testing.T, userID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, PathPrefix+path, &buf)
	if userID != "" {
		token, err := f.auth.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) registerKeys(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := f.do(t, id, http.MethodPut, "/keys", map[string]string{"public_key": string(keyPairs()[id].Public)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type createdBody struct {
	Conversation struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"conversation"`
	Participants []struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	} `json:"participants"`
	Missing []string `json:"missing"`
}

func (f *fixture) createConversation(t *testing.T, initiator string, body map[string]interface{}) createdBody {
	t.Helper()
	rec := f.do(t, initiator, http.MethodPost, "/conversations", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createdBody
	decode(t, rec, &out)
	return out
}
