package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultSessionBuffer is the outbound queue length of a session.
const DefaultSessionBuffer = 256

// ErrSlowSubscriber indicates one or more sessions did not accept a frame
// before the delivery deadline.
var ErrSlowSubscriber = errors.New("subscriber did not accept frame in time")

// Session is one live connection of a user.
type Session struct {
	ID     string
	UserID string

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// Frames returns the outbound frame queue.
func (s *Session) Frames() <-chan []byte { return s.send }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub is the in-process Transport: a registry of live sessions per user.
// The send queue of a session is never closed, so a delivery racing with
// Unregister cannot panic.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	buffer   int
	count    atomic.Int64
}

var _ Transport = (*Hub)(nil)

// NewHub creates a Hub whose sessions queue up to buffer frames.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSessionBuffer
	}
	return &Hub{sessions: make(map[string]map[*Session]struct{}), buffer: buffer}
}

// Register adds a live session for userID.
func (h *Hub) Register(userID string) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, h.buffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	set := h.sessions[userID]
	if set == nil {
		set = make(map[*Session]struct{})
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	h.count.Add(1)

	logrus.WithFields(logrus.Fields{
		"function":   "Register",
		"package":    "fanout",
		"user_id":    userID,
		"session_id": s.ID,
	}).Debug("Session registered")
	return s
}

// Unregister removes s and closes its Done channel. Calling it twice is safe.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.UserID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			h.count.Add(-1)
		}
		if len(set) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Sessions returns the number of live sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Total returns the number of live sessions across all users.
func (h *Hub) Total() int {
	return int(h.count.Load())
}

// Deliver queues frame on every session of userID in parallel. Each
// session gets until ctx's deadline; a full queue on one session does not
// delay the others. Zero sessions is not an error.
func (h *Hub) Deliver(ctx context.Context, userID string, frame []byte) (int, error) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	switch len(targets) {
	case 0:
		return 0, nil
	case 1:
		if offer(ctx, targets[0], frame) {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: 1 of 1 sessions", ErrSlowSubscriber)
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if offer(ctx, s, frame) {
				delivered.Add(1)
			}
		}(s)
	}
	wg.Wait()

	n := int(delivered.Load())
	if n < len(targets) {
		return n, fmt.Errorf("%w: %d of %d sessions", ErrSlowSubscriber, len(targets)-n, len(targets))
	}
	return n, nil
}

// offer queues frame on s unless s closes or ctx expires first.
func offer(ctx context.Context, s *Session, frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
	}

	select {
	case s.send <- frame:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}
