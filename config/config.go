// Package config holds the daemon settings: defaults from NewOptions,
// optionally overridden by a YAML file and SEALCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/limits"
)

// EnvPrefix prefixes every environment override, e.g. SEALCHAT_FANOUT_BACKEND.
const EnvPrefix = "SEALCHAT"

// Fanout backends.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// ErrInvalidConfig indicates a setting is out of range or inconsistent.
var ErrInvalidConfig = errors.New("invalid configuration")

// FanoutOptions configures event delivery.
type FanoutOptions struct {
	// Backend is local, redis or nats.
	Backend       string        `mapstructure:"backend"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Workers       int           `mapstructure:"workers"`
	SessionBuffer int           `mapstructure:"session_buffer"`
}

// RedisOptions configures the redis fanout backend.
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSOptions configures the nats fanout backend.
type NATSOptions struct {
	URL string `mapstructure:"url"`
}

// CryptoOptions selects the content cipher and key pair size.
type CryptoOptions struct {
	Suite   string `mapstructure:"suite"`
	RSABits int    `mapstructure:"rsa_bits"`
}

// KeyDistOptions configures shared key distribution.
type KeyDistOptions struct {
	Workers int `mapstructure:"workers"`
}

// LimitsOptions configures content limits.
type LimitsOptions struct {
	MaxContent int `mapstructure:"max_content"`
}

// AuthOptions configures session authentication.
type AuthOptions struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogOptions configures logrus.
type LogOptions struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options contains the daemon configuration.
type Options struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// DatabaseURL selects PostgreSQL; empty runs on the in-memory store.
	DatabaseURL string         `mapstructure:"database_url"`
	Fanout      FanoutOptions  `mapstructure:"fanout"`
	Redis       RedisOptions   `mapstructure:"redis"`
	NATS        NATSOptions    `mapstructure:"nats"`
	Crypto      CryptoOptions  `mapstructure:"crypto"`
	KeyDist     KeyDistOptions `mapstructure:"keydist"`
	Limits      LimitsOptions  `mapstructure:"limits"`
	Auth        AuthOptions    `mapstructure:"auth"`
	Log         LogOptions     `mapstructure:"log"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		ListenAddr: ":8080",
		Fanout: FanoutOptions{
			Backend:       BackendLocal,
			Timeout:       2 * time.Second,
			Workers:       10,
			SessionBuffer: 256,
		},
		Redis: RedisOptions{Addr: "localhost:6379"},
		NATS:  NATSOptions{URL: "nats://localhost:4222"},
		Crypto: CryptoOptions{
			Suite:   string(crypto.SuiteAES256GCM),
			RSABits: crypto.DefaultRSABits,
		},
		KeyDist: KeyDistOptions{Workers: 10},
		Limits:  LimitsOptions{MaxContent: limits.MaxContentSize},
		Log:     LogOptions{Level: "info", Format: "text"},
	}
}

// setDefaults registers every key so environment overrides apply even
// without a config file.
func setDefaults(v *viper.Viper, o *Options) {
	v.SetDefault("listen_addr", o.ListenAddr)
	v.SetDefault("database_url", o.DatabaseURL)
	v.SetDefault("fanout.backend", o.Fanout.Backend)
	v.SetDefault("fanout.timeout", o.Fanout.Timeout)
	v.SetDefault("fanout.workers", o.Fanout.Workers)
	v.SetDefault("fanout.session_buffer", o.Fanout.SessionBuffer)
	v.SetDefault("redis.addr", o.Redis.Addr)
	v.SetDefault("redis.password", o.Redis.Password)
	v.SetDefault("redis.db", o.Redis.DB)
	v.SetDefault("nats.url", o.NATS.URL)
	v.SetDefault("crypto.suite", o.Crypto.Suite)
	v.SetDefault("crypto.rsa_bits", o.Crypto.RSABits)
	v.SetDefault("keydist.workers", o.KeyDist.Workers)
	v.SetDefault("limits.max_content", o.Limits.MaxContent)
	v.SetDefault("auth.jwt_secret", o.Auth.JWTSecret)
	v.SetDefault("log.level", o.Log.Level)
	v.SetDefault("log.format", o.Log.Format)
}

// Load reads options from path, if not empty, and from the environment.
// The result is validated.
func Load(path string) (*Options, error) {
	v := viper.New()
	setDefaults(v, NewOptions())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	opts := &Options{}
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"package":  "config",
		"file":     v.ConfigFileUsed(),
		"backend":  opts.Fanout.Backend,
		"database": opts.DatabaseURL != "",
	}).Debug("Configuration loaded")
	return opts, nil
}

// Validate checks ranges and cross-field requirements.
func (o *Options) Validate() error {
	if o.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}

	switch o.Fanout.Backend {
	case BackendLocal:
	case BackendRedis:
		if o.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	case BackendNATS:
		if o.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url is required for the nats backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown fanout.backend %q", ErrInvalidConfig, o.Fanout.Backend)
	}
	if o.Fanout.Timeout <= 0 {
		return fmt.Errorf("%w: fanout.timeout must be positive", ErrInvalidConfig)
	}
	if o.Fanout.Workers <= 0 || o.KeyDist.Workers <= 0 {
		return fmt.Errorf("%w: worker counts must be positive", ErrInvalidConfig)
	}

	if _, err := crypto.ParseSuite(o.Crypto.Suite); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if o.Crypto.RSABits < crypto.MinRSABits {
		return fmt.Errorf("%w: crypto.rsa_bits must be at least %d", ErrInvalidConfig, crypto.MinRSABits)
	}
	if o.Limits.MaxContent <= 0 || o.Limits.MaxContent > limits.MaxProcessingBuffer {
		return fmt.Errorf("%w: limits.max_content must be in (0, %d]", ErrInvalidConfig, limits.MaxProcessingBuffer)
	}

	if _, err := logrus.ParseLevel(o.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if o.Log.Format != "text" && o.Log.Format != "json" {
		return fmt.Errorf("%w: log.format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func (o *Options) ConfigureLogging() {
	level, err := logrus.ParseLevel(o.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if o.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
