package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/registry"
	"github.com/opd-ai/sealchat/storage/memory"
)

var (
	pairsOnce sync.Once
	engine    *crypto.Engine
	pairs     map[string]*crypto.KeyPair
)

// keyPairs returns cached key pairs for the test users.
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

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	keys     *keydist.Manager
	hub      *fanout.Hub
	clock    *crypto.MockTimeProvider
	members  *StaticMembership
	mgr      *Manager
	sessions map[string]*fanout.Session
}

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// newFixture registers public keys for withKeys and a live session for
// every test user.
func newFixture(t *testing.T, withKeys ...string) *fixture {
	t.Helper()
	kps := keyPairs()

	f := &fixture{
		store:    memory.New(),
		hub:      fanout.NewHub(64),
		clock:    crypto.NewMockTimeProvider(epoch),
		members:  NewStaticMembership(),
		sessions: make(map[string]*fanout.Session),
	}
	f.registry = registry.New(f.store, engine, f.clock)
	f.keys = keydist.NewManager(engine, f.registry)
	publisher := fanout.NewPublisher(f.hub, fanout.WithTimeout(100*time.Millisecond))
	f.mgr = NewManager(f.store, f.keys, publisher, WithMembership(f.members), WithTimeProvider(f.clock))

	for _, id := range withKeys {
		_, err := f.registry.Register(context.Background(), id, kps[id].Public)
		require.NoError(t, err)
	}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		f.sessions[id] = f.hub.Register(id)
	}
	return f
}

// events drains the frames queued for userID.
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

func kinds(evs []fanout.Event) []fanout.Kind {
	out := make([]fanout.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func (f *fixture) drainAll(t *testing.T) {
	for id := range f.sessions {
		f.events(t, id)
	}
}
