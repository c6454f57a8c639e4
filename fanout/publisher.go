package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a single delivery.
	DefaultTimeout = 2 * time.Second

	// DefaultWorkers bounds concurrent deliveries in PublishAll.
	DefaultWorkers = 10

	// DeliveredUnknown is reported by transports that cannot count receivers.
	DeliveredUnknown = -1
)

// Transport maps a user id to its live sessions and hands them a frame.
// It returns how many receivers accepted the frame.
type Transport interface {
	Deliver(ctx context.Context, userID string, frame []byte) (int, error)
}

// Result is the outcome of one publish. Callers log it or discard it;
// it never turns into an error of the triggering operation.
type Result struct {
	UserID    string
	Kind      Kind
	Delivered int
	Err       error
}

// Log writes the result at debug level, or warn level on failure.
func (r Result) Log() {
	fields := logrus.Fields{
		"function":  "Publish",
		"package":   "fanout",
		"user_id":   r.UserID,
		"kind":      string(r.Kind),
		"delivered": r.Delivered,
	}
	if r.Err != nil {
		fields["error"] = r.Err.Error()
		logrus.WithFields(fields).Warn("Event delivery failed")
		return
	}
	logrus.WithFields(fields).Debug("Event published")
}

// Results is the outcome of a PublishAll.
type Results []Result

// Log logs every result.
func (rs Results) Log() {
	for _, r := range rs {
		r.Log()
	}
}

// Failed counts results carrying an error.
func (rs Results) Failed() int {
	n := 0
	for _, r := range rs {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Publisher is the NotificationFanout. It holds only its transport and
// settings and is safe for concurrent use.
type Publisher struct {
	transport Transport
	timeout   time.Duration
	workers   int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithWorkers bounds concurrent deliveries in PublishAll.
func WithWorkers(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewPublisher creates a Publisher over transport.
func NewPublisher(transport Transport, opts ...Option) *Publisher {
	p := &Publisher{transport: transport, timeout: DefaultTimeout, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers ev to every live session of userID. It is detached from
// the caller's cancellation so an event for a committed write is still
// attempted, but it never runs longer than the configured timeout.
func (p *Publisher) Publish(ctx context.Context, userID string, ev Event) (res Result) {
	res = Result{UserID: userID, Kind: ev.Kind}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("fanout panic: %v", r)
		}
	}()

	if p == nil || p.transport == nil {
		res.Err = errors.New("no fanout transport configured")
		return res
	}

	frame, err := ev.Marshal()
	if err != nil {
		res.Err = fmt.Errorf("marshal event: %w", err)
		return res
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	res.Delivered, res.Err = p.transport.Deliver(dctx, userID, frame)
	return res
}

// PublishAll publishes ev to each user on a bounded worker pool. Results
// are returned in input order.
func (p *Publisher) PublishAll(ctx context.Context, userIDs []string, ev Event) Results {
	results := make(Results, len(userIDs))
	if len(userIDs) == 0 {
		return results
	}

	workers := DefaultWorkers
	if p != nil && p.workers > 0 {
		workers = p.workers
	}
	if len(userIDs) < workers {
		workers = len(userIDs)
	}

	type job struct {
		index  int
		userID string
	}
	jobChan := make(chan job, len(userIDs))
	done := make(chan struct{}, len(userIDs))

	// Start workers
	for i := 0; i < workers; i++ {
		go func() {
			for j := range jobChan {
				results[j.index] = p.Publish(ctx, j.userID, ev)
				done <- struct{}{}
			}
		}()
	}

	for i, id := range userIDs {
		jobChan <- job{index: i, userID: id}
	}
	close(jobChan)

	for range userIDs {
		<-done
	}
	return results
}
