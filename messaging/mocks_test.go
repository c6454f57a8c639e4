package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/models"
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
		for _, id := range []string{"alice", "bob", "carol", "dave"} {
			kp, err := engine.GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			pairs[id] = kp
		}
	})
	return pairs
}

// panicTransport fails every delivery as loudly as possible.
type panicTransport struct{}

func (panicTransport) Deliver(context.Context, string, []byte) (int, error) {
	panic("transport exploded")
}

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	keys     *keydist.Manager
	codec    *envelope.Codec
	hub      *fanout.Hub
	clock    *crypto.MockTimeProvider
	members  *conversation.StaticMembership
	convs    *conversation.Manager
	svc      *Service
	sessions map[string]*fanout.Session
}

var epoch = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func newFixture(t *testing.T, withKeys ...string) *fixture {
	t.Helper()
	return newFixtureWithTransport(t, nil, withKeys...)
}

// newFixtureWithTransport publishes through transport, or through the hub
// when transport is nil.
func newFixtureWithTransport(t *testing.T, transport fanout.Transport, withKeys ...string) *fixture {
	t.Helper()
	kps := keyPairs()

	f := &fixture{
		store:    memory.New(),
		hub:      fanout.NewHub(64),
		clock:    crypto.NewMockTimeProvider(epoch),
		members:  conversation.NewStaticMembership(),
		sessions: make(map[string]*fanout.Session),
	}
	if transport == nil {
		transport = f.hub
	}
	f.registry = registry.New(f.store, engine, f.clock)
	f.keys = keydist.NewManager(engine, f.registry)
	f.codec = envelope.NewCodec(engine, f.registry)
	publisher := fanout.NewPublisher(transport, fanout.WithTimeout(100*time.Millisecond))
	f.convs = conversation.NewManager(f.store, f.keys, publisher,
		conversation.WithMembership(f.members), conversation.WithTimeProvider(f.clock))
	f.svc = NewService(f.store, f.codec, publisher, WithTimeProvider(f.clock))

	for _, id := range withKeys {
		_, err := f.registry.Register(context.Background(), id, kps[id].Public)
		require.NoError(t, err)
	}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		f.sessions[id] = f.hub.Register(id)
	}
	return f
}

func (f *fixture) events(t *testing.T, userID string) []fanout.Event {
	t.Helper()
	var out []fanout.Event
	for {
		select {
		case frame := <-f.sessions[userID].Frames():
			ev, err := fanout.ParseEvent(frame)
			require.NoError(t, err)
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (f *fixture) drainAll(t *testing.T) {
	for id := range f.sessions {
		f.events(t, id)
	}
}

func (f *fixture) create(t *testing.T, req conversation.CreateRequest) *models.Conversation {
	t.Helper()
	created, err := f.convs.Create(context.Background(), req)
	require.NoError(t, err)
	f.drainAll(t)
	return created.Conversation
}

// sharedKey unwraps the conversation key the way a client would.
func (f *fixture) sharedKey(t *testing.T, conversationID, userID string) []byte {
	t.Helper()
	key, err := f.keys.OpenConversationKey(context.Background(), f.store, conversationID, userID, keyPairs()[userID].Private)
	require.NoError(t, err)
	return key
}

func (f *fixture) send(t *testing.T, conv *models.Conversation, senderID, text string) *models.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	req := SendRequest{ConversationID: conv.ID, SenderID: senderID, Content: []byte(text)}
	if conv.Kind.UsesSharedKey() {
		req.ConversationKey = f.sharedKey(t, conv.ID, senderID)
	}
	msg, err := f.svc.Send(context.Background(), req)
	require.NoError(t, err)
	return msg
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
