package fanout

import (
	"context"
	"errors"
	"sync"
	"time"
)

type deliverCall struct {
	userID string
	frame  []byte
}

// mockTransport records deliveries and can be told to fail, block or panic.
type mockTransport struct {
	mu         sync.Mutex
	calls      []deliverCall
	shouldFail bool
	block      bool
	panicMsg   string
	delay      time.Duration
	inFlight   int
	maxSeen    int
}

var errTransport = errors.New("transport unavailable")

func (m *mockTransport) Deliver(ctx context.Context, userID string, frame []byte) (int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, deliverCall{userID: userID, frame: frame})
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	fail, block, panicMsg, delay := m.shouldFail, m.block, m.panicMsg, m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if fail {
		return 0, errTransport
	}
	return 1, nil
}

func (m *mockTransport) getCalls() []deliverCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]deliverCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockTransport) maxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}
