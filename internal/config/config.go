// Package config centralizes the relay's runtime tunables. Flags are
// declared with github.com/spf13/pflag, then overlaid with environment
// variables and an optional config file via github.com/spf13/viper — the
// teacher's validate-after-parse idiom (cmd/rtmp-server/flags.go) is kept,
// re-expressed over that stack instead of the stdlib flag package.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable this relay process needs, post-validation.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Catalog/Command Store backend. "memory" for single-instance
	// deployments and tests; "postgres" for the durable, multi-instance
	// path described in §4.1/§4.2.
	StoreBackend string
	PostgresDSN  string

	// Bus backend. "memory" collapses to an in-process fan-out to this
	// process's own subscribers, for single-instance deployments; "redis" is the multi-instance path
	// (§4.3).
	BusBackend string
	RedisAddr  string

	// Janitor tunables (§4.8).
	JanitorPeriod           time.Duration
	JanitorHeartbeatTimeout time.Duration
	JanitorGraceWindow      time.Duration
	JanitorOneShotTTL       time.Duration

	// Connection tunables (§5, §9).
	OutboundQueueSize int
	FrameQueueDepth   int
	IdempotencyWindow time.Duration

	// Outbound write rate limit applied per connection (events/sec, burst);
	// zero disables limiting.
	WriteRateLimit float64
	WriteBurst     int

	MetricsAddr string
}

// applyDefaults fills zero values with the spec's defaults, mirroring the
// teacher's applyDefaults on server.Config.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = "memory"
	}
	if c.BusBackend == "" {
		c.BusBackend = "memory"
	}
	if c.JanitorPeriod == 0 {
		c.JanitorPeriod = 10 * time.Second
	}
	if c.JanitorHeartbeatTimeout == 0 {
		c.JanitorHeartbeatTimeout = 30 * time.Second
	}
	if c.JanitorGraceWindow == 0 {
		c.JanitorGraceWindow = 60 * time.Second
	}
	if c.JanitorOneShotTTL == 0 {
		c.JanitorOneShotTTL = 15 * time.Second
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = 32
	}
	if c.FrameQueueDepth == 0 {
		c.FrameQueueDepth = 8
	}
	if c.IdempotencyWindow == 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// BindFlags registers every tunable on fs using pflag, so cmd/relay-server
// can wire the same set into a cobra command's flag set.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":8080", "WebSocket listen address")
	fs.String("log-level", "info", "Log level: debug|info|warn|error")
	fs.String("store-backend", "memory", "Catalog/Command Store backend: memory|postgres")
	fs.String("postgres-dsn", "", "Postgres connection string (required when store-backend=postgres)")
	fs.String("bus-backend", "memory", "Realtime Bus backend: memory|redis")
	fs.String("redis-addr", "", "Redis address (required when bus-backend=redis)")
	fs.Duration("janitor-period", 10*time.Second, "Janitor sweep interval")
	fs.Duration("janitor-heartbeat-timeout", 30*time.Second, "Local producer heartbeat timeout")
	fs.Duration("janitor-grace-window", 60*time.Second, "Catalog entry grace window")
	fs.Duration("janitor-oneshot-ttl", 15*time.Second, "Command expiry TTL")
	fs.Int("outbound-queue-size", 32, "Per-connection outbound channel depth")
	fs.Int("frame-queue-depth", 8, "Per-(producer,monitor) viewer frame queue depth (validated but not read by the server; the depth is fixed at 8)")
	fs.Duration("idempotency-window", 5*time.Minute, "Sliding window for the recent-idempotency-keys set")
	fs.Float64("write-rate-limit", 0, "Per-connection outbound write rate limit (events/sec, 0=unlimited)")
	fs.Int("write-burst", 1, "Per-connection outbound write burst size")
	fs.String("metrics-addr", ":9090", "Not read by the server; /metrics is served on the --listen address")
}

// Load builds a Config from v, which the caller has already overlaid with
// flags (BindPFlags), environment variables and an optional config file.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:              v.GetString("listen"),
		LogLevel:                v.GetString("log-level"),
		StoreBackend:            v.GetString("store-backend"),
		PostgresDSN:             v.GetString("postgres-dsn"),
		BusBackend:              v.GetString("bus-backend"),
		RedisAddr:               v.GetString("redis-addr"),
		JanitorPeriod:           v.GetDuration("janitor-period"),
		JanitorHeartbeatTimeout: v.GetDuration("janitor-heartbeat-timeout"),
		JanitorGraceWindow:      v.GetDuration("janitor-grace-window"),
		JanitorOneShotTTL:       v.GetDuration("janitor-oneshot-ttl"),
		OutboundQueueSize:       v.GetInt("outbound-queue-size"),
		FrameQueueDepth:         v.GetInt("frame-queue-depth"),
		IdempotencyWindow:       v.GetDuration("idempotency-window"),
		WriteRateLimit:          v.GetFloat64("write-rate-limit"),
		WriteBurst:              v.GetInt("write-burst"),
		MetricsAddr:             v.GetString("metrics-addr"),
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate mirrors the teacher's post-parse validation block in
// parseFlags: reject nonsensical combinations before the server starts
// rather than failing deep inside a backend constructor.
func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level %q", c.LogLevel)
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required when store-backend=postgres")
		}
	default:
		return fmt.Errorf("invalid store-backend %q, must be memory or postgres", c.StoreBackend)
	}

	switch c.BusBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required when bus-backend=redis")
		}
	default:
		return fmt.Errorf("invalid bus-backend %q, must be memory or redis", c.BusBackend)
	}

	if c.OutboundQueueSize < 1 {
		return fmt.Errorf("outbound-queue-size must be >= 1, got %d", c.OutboundQueueSize)
	}
	if c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame-queue-depth must be >= 1, got %d", c.FrameQueueDepth)
	}
	if c.WriteRateLimit < 0 {
		return fmt.Errorf("write-rate-limit must be >= 0, got %f", c.WriteRateLimit)
	}
	if c.WriteRateLimit > 0 && c.WriteBurst < 1 {
		return fmt.Errorf("write-burst must be >= 1 when write-rate-limit is set, got %d", c.WriteBurst)
	}

	return nil
}
