package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	// NATSSubjectPrefix prefixes the per-user subject.
	NATSSubjectPrefix = "sealchat.user."

	// NATSUserHeader carries the unescaped user id.
	NATSUserHeader = "Sealchat-User"
)

// ConnectNATS connects with unlimited reconnects. Core NATS only; no
// JetStream, since fanout keeps no durable queue.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ConnectNATS",
					"package":  "fanout",
					"error":    err.Error(),
				}).Warn("NATS disconnected")
			}
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// subjectToken makes a user id safe as a single NATS subject token. The
// mapping is lossy; relays read the user id from NATSUserHeader.
func subjectToken(userID string) string {
	if userID == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(userID)
}

// NATSTransport publishes frames on a per-user NATS subject.
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport creates a NATSTransport.
func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn, prefix: NATSSubjectPrefix}
}

// Deliver publishes frame. Core NATS cannot count receivers, so the count
// is DeliveredUnknown.
func (t *NATSTransport) Deliver(ctx context.Context, userID string, frame []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := nats.NewMsg(t.prefix + subjectToken(userID))
	msg.Header.Set(NATSUserHeader, userID)
	msg.Data = frame
	if err := t.conn.PublishMsg(msg); err != nil {
		return 0, fmt.Errorf("nats publish: %w", err)
	}
	return DeliveredUnknown, nil
}

// NATSRelay subscribes to every per-user subject and forwards frames to a
// local Hub.
type NATSRelay struct {
	conn    *nats.Conn
	hub     *Hub
	prefix  string
	timeout time.Duration
	cfg     relayConfig
}

// NewNATSRelay creates a relay into hub. timeout bounds each local delivery.
func NewNATSRelay(conn *nats.Conn, hub *Hub, timeout time.Duration, opts ...RelayOption) *NATSRelay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NATSRelay{conn: conn, hub: hub, prefix: NATSSubjectPrefix, timeout: timeout, cfg: newRelayConfig(opts)}
}

// Run forwards frames until ctx is cancelled.
func (r *NATSRelay) Run(ctx context.Context) error {
	d := startDispatcher(ctx, r.hub, r.timeout, r.cfg.workers)
	defer d.stop()

	sub, err := r.conn.Subscribe(r.prefix+"*", func(m *nats.Msg) {
		userID := m.Header.Get(NATSUserHeader)
		if userID == "" {
			userID = strings.TrimPrefix(m.Subject, r.prefix)
		}
		d.submit(ctx, userID, m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"package":  "fanout",
		"subject":  r.prefix + "*",
	}).Info("NATS relay subscribed")

	<-ctx.Done()
	return nil
}
