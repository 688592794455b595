// Package config loads server and client settings from an optional YAML
// file, .env files and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type BusTransport string

const (
	BusRedis BusTransport = "redis"
	BusNATS  BusTransport = "nats"
	BusLocal BusTransport = "local"
)

type GuardBackend string

const (
	GuardLocal GuardBackend = "local"
	GuardRedis GuardBackend = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the process configuration. Durations in the YAML file use Go
// duration syntax ("20s").
type Config struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	NATSURL       string `yaml:"nats_url"`

	BusTransport     BusTransport  `yaml:"bus_transport"`
	BroadcastChannel string        `yaml:"broadcast_channel"`
	Heartbeat        time.Duration `yaml:"heartbeat_interval"`

	IdleTimeout     time.Duration `yaml:"stream_idle_timeout"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	CheckpointTTL   time.Duration `yaml:"checkpoint_ttl"`
	GuardBackend    GuardBackend  `yaml:"guard_backend"`

	// InboundRate is the sustained number of frames per second accepted
	// from one connection, InboundBurst the bucket size.
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`

	// TitleProvider and TitleModel pick the model used for conversation
	// titles. An empty provider derives titles from the prompt.
	TitleProvider string `yaml:"title_provider"`
	TitleModel    string `yaml:"title_model"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// BaseURLs overrides upstream roots by provider name
	BaseURLs map[string]string `yaml:"base_urls"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:             ":8080",
		RedisURL:         "localhost:6379",
		NATSURL:          "nats://127.0.0.1:4222",
		BusTransport:     BusRedis,
		BroadcastChannel: "chat-global",
		Heartbeat:        20 * time.Second,
		IdleTimeout:      60 * time.Second,
		CheckpointEvery:  10,
		CheckpointTTL:    time.Hour,
		GuardBackend:     GuardLocal,
		InboundRate:      20,
		InboundBurst:     40,
		LogLevel:         "info",
		LogFormat:        "console",
		BaseURLs:         map[string]string{},
	}
}

// baseURLProviders are the provider names with a <NAME>_BASE_URL override.
var baseURLProviders = []string{"openai", "openai-chat", "grok", "xai", "anthropic", "gemini", "meta", "vercel", "v0", "gateway"}

// Load builds a Config. SLIPSTREAM_CONFIG names an optional YAML file; the
// given dotenv files are loaded into the environment first, without
// overriding variables that are already set. Missing dotenv files are
// ignored.
func Load(dotenv ...string) (Config, error) {
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg := Default()
	if path := os.Getenv("SLIPSTREAM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if c.BaseURLs == nil {
		c.BaseURLs = map[string]string{}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err))
				return
			}
			*dst = n
		}
	}

	str("SLIPSTREAM_ADDR", &c.Addr)
	str("JWT_SECRET", &c.JWTSecret)
	str("REDIS_URL", &c.RedisURL)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("NATS_URL", &c.NATSURL)
	str("BROADCAST_CHANNEL", &c.BroadcastChannel)
	str("TITLE_PROVIDER", &c.TitleProvider)
	str("TITLE_MODEL", &c.TitleModel)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	if v, ok := lookup("BUS_TRANSPORT"); ok && v != "" {
		c.BusTransport = BusTransport(strings.ToLower(v))
	}
	if v, ok := lookup("GUARD_BACKEND"); ok && v != "" {
		c.GuardBackend = GuardBackend(strings.ToLower(v))
	}
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat)
	dur("STREAM_IDLE_TIMEOUT", &c.IdleTimeout)
	dur("CHECKPOINT_TTL", &c.CheckpointTTL)
	integer("CHECKPOINT_EVERY", &c.CheckpointEvery)
	integer("INBOUND_BURST", &c.InboundBurst)
	if v, ok := lookup("INBOUND_RATE"); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: INBOUND_RATE=%q: %v", ErrInvalid, v, err))
		} else {
			c.InboundRate = r
		}
	}
	for _, name := range baseURLProviders {
		env := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_BASE_URL"
		if v, ok := lookup(env); ok && v != "" {
			c.BaseURLs[name] = v
		}
	}
	return errors.Join(errs...)
}

// Validate checks values that have no usable interpretation.
func (c Config) Validate() error {
	var errs []error
	switch c.BusTransport {
	case BusRedis, BusNATS, BusLocal:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown bus transport %q", ErrInvalid, c.BusTransport))
	}
	switch c.GuardBackend {
	case GuardLocal, GuardRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown guard backend %q", ErrInvalid, c.GuardBackend))
	}
	if c.CheckpointEvery <= 0 {
		errs = append(errs, fmt.Errorf("%w: checkpoint interval must be positive", ErrInvalid))
	}
	if c.Heartbeat <= 0 || c.IdleTimeout <= 0 || c.CheckpointTTL <= 0 {
		errs = append(errs, fmt.Errorf("%w: durations must be positive", ErrInvalid))
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		errs = append(errs, fmt.Errorf("%w: inbound rate and burst must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

// RequireServe reports settings that only the server needs.
func (c Config) RequireServe() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	return nil
}
