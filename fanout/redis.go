package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisChannelPrefix prefixes the per-user pub/sub channel.
const RedisChannelPrefix = "sealchat:user:"

// RedisConfig describes the Redis connection used for cross-process fanout.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// ConnectRedis opens a client and verifies it with a bounded ping.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// RedisTransport publishes frames on a per-user Redis channel. Every
// process running a RedisRelay hands them to its local sessions.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a RedisTransport.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client, prefix: RedisChannelPrefix}
}

// Deliver publishes frame and reports how many relays received it.
func (t *RedisTransport) Deliver(ctx context.Context, userID string, frame []byte) (int, error) {
	n, err := t.client.Publish(ctx, t.prefix+userID, frame).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish: %w", err)
	}
	return int(n), nil
}

// RedisRelay subscribes to every per-user channel and forwards frames to a
// local Hub.
type RedisRelay struct {
	client  redis.UniversalClient
	hub     *Hub
	prefix  string
	timeout time.Duration
	cfg     relayConfig
}

// NewRedisRelay creates a relay into hub. timeout bounds each local delivery.
func NewRedisRelay(client redis.UniversalClient, hub *Hub, timeout time.Duration, opts ...RelayOption) *RedisRelay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RedisRelay{client: client, hub: hub, prefix: RedisChannelPrefix, timeout: timeout, cfg: newRelayConfig(opts)}
}

// Run forwards frames until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"package":  "fanout",
		"pattern":  r.prefix + "*",
	}).Info("Redis relay subscribed")

	d := startDispatcher(ctx, r.hub, r.timeout, r.cfg.workers)
	defer d.stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d.submit(ctx, strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
		}
	}
}
