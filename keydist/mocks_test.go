package keydist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/sealchat/crypto"
)

var errNoKey = errors.New("no public key registered")

// mockKeyLookup serves public keys from a map and records lookups.
type mockKeyLookup struct {
	mu       sync.Mutex
	keys     map[string][]byte
	lookups  []string
	delay    time.Duration
	inFlight int
	maxSeen  int
}

func newMockKeyLookup() *mockKeyLookup {
	return &mockKeyLookup{keys: make(map[string][]byte)}
}

func (m *mockKeyLookup) set(userID string, pub []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[userID] = pub
}

func (m *mockKeyLookup) PublicKey(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	m.lookups = append(m.lookups, userID)
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	delay := m.delay
	pub, ok := m.keys[userID]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()

	if !ok {
		return nil, errNoKey
	}
	return pub, nil
}

func (m *mockKeyLookup) maxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

var (
	pairsOnce sync.Once
	pairs     []*crypto.KeyPair
	engine    *crypto.Engine
)

// testPairs returns n cached key pairs (n <= 3).
func testPairs(n int) []*crypto.KeyPair {
	pairsOnce.Do(func() {
		var err error
		engine, err = crypto.NewEngine()
		if err != nil {
			panic(err)
		}
		for i := 0; i < 3; i++ {
			kp, err := engine.GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			pairs = append(pairs, kp)
		}
	})
	return pairs[:n]
}
