package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RelayOption configures a RedisRelay or NATSRelay.
type RelayOption func(*relayConfig)

type relayConfig struct {
	workers int
}

// RelayWorkers bounds concurrent local deliveries of a relay.
func RelayWorkers(n int) RelayOption {
	return func(c *relayConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

func newRelayConfig(opts []RelayOption) relayConfig {
	cfg := relayConfig{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type relayed struct {
	userID string
	frame  []byte
}

// dispatcher hands relayed frames to a Hub on a bounded worker pool. A
// session with a full queue holds one worker until the timeout instead of
// the subscription that feeds every user.
type dispatcher struct {
	hub     *Hub
	timeout time.Duration
	jobs    chan relayed
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func startDispatcher(ctx context.Context, hub *Hub, timeout time.Duration, workers int) *dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &dispatcher{hub: hub, timeout: timeout, jobs: make(chan relayed, workers)}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.jobs {
				d.forward(ctx, j.userID, j.frame)
			}
		}()
	}
	return d
}

// submit queues a frame. It blocks only while every worker is busy and
// the queue is full, and gives up when ctx ends or after stop.
func (d *dispatcher) submit(ctx context.Context, userID string, frame []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- relayed{userID: userID, frame: frame}:
		return true
	case <-ctx.Done():
		return false
	}
}

// stop drains queued frames and waits for the workers. Later submits are
// refused.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *dispatcher) forward(ctx context.Context, userID string, frame []byte) {
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.hub.Deliver(dctx, userID, frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"package":  "fanout",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Relay delivery incomplete")
	}
}
