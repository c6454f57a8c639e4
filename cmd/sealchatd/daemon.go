package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/api"
	"github.com/opd-ai/sealchat/config"
	"github.com/opd-ai/sealchat/conversation"
	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/envelope"
	"github.com/opd-ai/sealchat/fanout"
	"github.com/opd-ai/sealchat/keydist"
	"github.com/opd-ai/sealchat/messaging"
	"github.com/opd-ai/sealchat/registry"
	"github.com/opd-ai/sealchat/storage"
	"github.com/opd-ai/sealchat/storage/memory"
	"github.com/opd-ai/sealchat/storage/postgres"
)

// ErrNoJWTSecret indicates the daemon was configured without a session secret.
var ErrNoJWTSecret = errors.New("auth.jwt_secret is required")

// daemon is the fully wired service.
type daemon struct {
	handler http.Handler
	hub     *fanout.Hub
	// relays forward cross-process events into hub until their context ends.
	relays  []func(ctx context.Context) error
	checks  map[string]func(ctx context.Context) error
	closers []func() error
}

// newDaemon connects backends and wires every component from opts.
func newDaemon(ctx context.Context, opts *config.Options) (*daemon, error) {
	if opts.Auth.JWTSecret == "" {
		return nil, ErrNoJWTSecret
	}

	d := &daemon{
		checks: make(map[string]func(ctx context.Context) error),
	}
	ready := false
	defer func() {
		if !ready {
			d.close()
		}
	}()

	store, err := d.openStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	suite, err := crypto.ParseSuite(opts.Crypto.Suite)
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewEngine(crypto.WithSuite(suite), crypto.WithRSABits(opts.Crypto.RSABits))
	if err != nil {
		return nil, err
	}

	reg := registry.New(store, engine, nil)
	keys := keydist.NewManager(engine, reg, keydist.WithWorkers(opts.KeyDist.Workers))
	codec := envelope.NewCodec(engine, reg, envelope.WithMaxContent(opts.Limits.MaxContent))

	d.hub = fanout.NewHub(opts.Fanout.SessionBuffer)
	transport, err := d.openTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	publisher := fanout.NewPublisher(transport,
		fanout.WithTimeout(opts.Fanout.Timeout),
		fanout.WithWorkers(opts.Fanout.Workers))

	communities := conversation.NewCommunities(store, nil)
	convs := conversation.NewManager(store, keys, publisher, conversation.WithMembership(communities))
	svc := messaging.NewService(store, codec, publisher)
	auth := api.NewTokenAuth([]byte(opts.Auth.JWTSecret), nil)

	r := mux.NewRouter()
	r.Handle("/ws", fanout.NewWebSocketHandler(d.hub, auth.Authenticate, svc.InboundHandler(), nil)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", d.health).Methods(http.MethodGet)
	api.NewServer(reg, convs, svc, communities, auth).Register(r)
	d.handler = r
	ready = true
	return d, nil
}

// openStore selects PostgreSQL when a database url is set and the
// in-memory store otherwise.
func (d *daemon) openStore(ctx context.Context, opts *config.Options) (storage.Store, error) {
	if opts.DatabaseURL == "" {
		logrus.WithFields(logrus.Fields{
			"function": "openStore",
			"package":  "main",
		}).Warn("No database_url configured, state is kept in memory only; use this for development and tests")
		return memory.New(), nil
	}

	db, err := postgres.Connect(ctx, opts.DatabaseURL, postgres.DefaultConnectOptions())
	if err != nil {
		return nil, err
	}
	store := postgres.New(db)
	d.closers = append(d.closers, store.Close)
	d.checks["database"] = db.PingContext
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// openTransport returns the publisher transport for the configured
// backend. Remote backends publish through the broker, and a relay
// delivers to the sessions of this process.
func (d *daemon) openTransport(ctx context.Context, opts *config.Options) (fanout.Transport, error) {
	switch opts.Fanout.Backend {
	case config.BackendRedis:
		rdb, err := fanout.ConnectRedis(ctx, fanout.RedisConfig{
			Addr:     opts.Redis.Addr,
			Password: opts.Redis.Password,
			DB:       opts.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		d.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		d.relays = append(d.relays, fanout.NewRedisRelay(rdb, d.hub, opts.Fanout.Timeout,
			fanout.RelayWorkers(opts.Fanout.Workers)).Run)
		return fanout.NewRedisTransport(rdb), nil

	case config.BackendNATS:
		nc, err := fanout.ConnectNATS(opts.NATS.URL, "sealchatd")
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error { nc.Close(); return nil })
		d.checks["nats"] = func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats status %v", status)
			}
			return nil
		}
		d.relays = append(d.relays, fanout.NewNATSRelay(nc, d.hub, opts.Fanout.Timeout,
			fanout.RelayWorkers(opts.Fanout.Workers)).Run)
		return fanout.NewNATSTransport(nc), nil

	default:
		return d.hub, nil
	}
}

type healthReport struct {
	Status   string            `json:"status"`
	Sessions int               `json:"sessions"`
	Checks   map[string]string `json:"checks"`
}

// health reports 503 when any backend check fails.
func (d *daemon) health(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Sessions: d.hub.Total(), Checks: map[string]string{}}
	code := http.StatusOK
	for name, check := range d.checks {
		if err := check(r.Context()); err != nil {
			report.Checks[name] = err.Error()
			report.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		report.Checks[name] = "ok"
	}
	if code != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"function": "health",
			"package":  "main",
			"checks":   report.Checks,
		}).Warn("Health check failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

// close releases backends in reverse order of acquisition.
func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"package":  "main",
				"error":    err.Error(),
			}).Warn("Failed to release backend")
		}
	}
	d.closers = nil
}
