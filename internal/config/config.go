package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHTTPAddr is the default TCP address for the websocket feed.
	DefaultHTTPAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address for the gRPC world service.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultTickInterval is the fixed simulation step.
	DefaultTickInterval = 50 * time.Millisecond
	// DefaultSchedulerDivisor makes the scheduler fire this many times per tick.
	DefaultSchedulerDivisor = 4
	// DefaultMaxSlopeDeg is the steepest walkable facet.
	DefaultMaxSlopeDeg = 60.0
	// DefaultInputMaxLead bounds how many ticks ahead of the server an input may be.
	DefaultInputMaxLead = 64
	// DefaultInputRate caps input batches per second per connection.
	DefaultInputRate = 60.0
	// DefaultInputBurst is the per-connection batch burst allowance.
	DefaultInputBurst = 10
	// DefaultSessionTTL is the lifetime of issued session tokens.
	DefaultSessionTTL = 12 * time.Hour
	// DefaultNPCCount is how many ratmen are seeded next to the spawn.
	DefaultNPCCount = 2
	// DefaultReplayMaxBundles bounds how many replay bundles are retained.
	DefaultReplayMaxBundles = 20
	// DefaultReplayMaxAge removes bundles older than this.
	DefaultReplayMaxAge = 7 * 24 * time.Hour

	// DefaultLogLevel controls verbosity for logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "movecore.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the movement server.
type Config struct {
	HTTPAddr         string
	GRPCAddr         string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	MaxClients       int
	TickInterval     time.Duration
	SchedulerDivisor int
	MapPath          string
	MaxSlopeDeg      float64
	InputMaxLead     int
	InputRate        float64
	InputBurst       int
	SessionSecret    string
	SessionTTL       time.Duration
	NPCCount         int
	ReplayDir        string
	ReplayMaxBundles int
	ReplayMaxAge     time.Duration
	SQLitePath       string
	AdminToken       string
	DespawnOnClose   bool
	Logging          LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	Console    bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the configuration from MOVECORE_* environment variables, applying
// defaults and returning every invalid override in a single error.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         getString("MOVECORE_HTTP_ADDR", DefaultHTTPAddr),
		GRPCAddr:         getString("MOVECORE_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:   parseList(os.Getenv("MOVECORE_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		MaxClients:       DefaultMaxClients,
		TickInterval:     DefaultTickInterval,
		SchedulerDivisor: DefaultSchedulerDivisor,
		MapPath:          strings.TrimSpace(os.Getenv("MOVECORE_MAP_PATH")),
		MaxSlopeDeg:      DefaultMaxSlopeDeg,
		InputMaxLead:     DefaultInputMaxLead,
		InputRate:        DefaultInputRate,
		InputBurst:       DefaultInputBurst,
		SessionSecret:    strings.TrimSpace(os.Getenv("MOVECORE_SESSION_SECRET")),
		SessionTTL:       DefaultSessionTTL,
		NPCCount:         DefaultNPCCount,
		ReplayDir:        strings.TrimSpace(os.Getenv("MOVECORE_REPLAY_DIR")),
		ReplayMaxBundles: DefaultReplayMaxBundles,
		ReplayMaxAge:     DefaultReplayMaxAge,
		SQLitePath:       strings.TrimSpace(os.Getenv("MOVECORE_SQLITE_PATH")),
		AdminToken:       strings.TrimSpace(os.Getenv("MOVECORE_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MOVECORE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MOVECORE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MOVECORE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MOVECORE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	problems = parseDuration(problems, "MOVECORE_PING_INTERVAL", &cfg.PingInterval)
	problems = parseDuration(problems, "MOVECORE_TICK_INTERVAL", &cfg.TickInterval)
	problems = parseDuration(problems, "MOVECORE_SESSION_TTL", &cfg.SessionTTL)
	problems = parseDuration(problems, "MOVECORE_REPLAY_MAX_AGE", &cfg.ReplayMaxAge)

	problems = parseInt(problems, "MOVECORE_MAX_CLIENTS", 0, &cfg.MaxClients)
	problems = parseInt(problems, "MOVECORE_SCHEDULER_DIVISOR", 1, &cfg.SchedulerDivisor)
	problems = parseInt(problems, "MOVECORE_INPUT_MAX_LEAD", 1, &cfg.InputMaxLead)
	problems = parseInt(problems, "MOVECORE_INPUT_BURST", 1, &cfg.InputBurst)
	problems = parseInt(problems, "MOVECORE_NPC_COUNT", 0, &cfg.NPCCount)
	problems = parseInt(problems, "MOVECORE_REPLAY_MAX_BUNDLES", 0, &cfg.ReplayMaxBundles)
	problems = parseBool(problems, "MOVECORE_DESPAWN_ON_CLOSE", &cfg.DespawnOnClose)

	if raw := strings.TrimSpace(os.Getenv("MOVECORE_MAX_SLOPE_DEG")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 45 || value > 60 {
			problems = append(problems, fmt.Sprintf("MOVECORE_MAX_SLOPE_DEG must be a number within [45, 60], got %q", raw))
		} else {
			cfg.MaxSlopeDeg = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVECORE_INPUT_RATE")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MOVECORE_INPUT_RATE must be a positive number, got %q", raw))
		} else {
			cfg.InputRate = value
		}
	}

	problems = parseInt(problems, "MOVECORE_LOG_MAX_SIZE_MB", 1, &cfg.Logging.MaxSizeMB)
	problems = parseInt(problems, "MOVECORE_LOG_MAX_BACKUPS", 0, &cfg.Logging.MaxBackups)
	problems = parseInt(problems, "MOVECORE_LOG_MAX_AGE_DAYS", 0, &cfg.Logging.MaxAgeDays)
	problems = parseBool(problems, "MOVECORE_LOG_COMPRESS", &cfg.Logging.Compress)
	problems = parseBool(problems, "MOVECORE_LOG_CONSOLE", &cfg.Logging.Console)

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		problems = append(problems, fmt.Sprintf("MOVECORE_LOG_LEVEL must be one of debug, info, warn, error or fatal, got %q", cfg.Logging.Level))
	}

	if cfg.TickInterval > 0 && cfg.SchedulerDivisor > 0 && cfg.TickInterval/time.Duration(cfg.SchedulerDivisor) <= 0 {
		problems = append(problems, "MOVECORE_SCHEDULER_DIVISOR is too large for MOVECORE_TICK_INTERVAL")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

// TickSeconds returns the fixed step in seconds.
func (c *Config) TickSeconds() float64 {
	return c.TickInterval.Seconds()
}

// SchedulerInterval returns the cadence of the scheduling trigger.
func (c *Config) SchedulerInterval() time.Duration {
	return c.TickInterval / time.Duration(c.SchedulerDivisor)
}

func parseDuration(problems []string, key string, dst *time.Duration) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		return append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
	}
	*dst = duration
	return problems
}

func parseInt(problems []string, key string, minimum int, dst *int) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		return append(problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
	}
	*dst = value
	return problems
}

func parseBool(problems []string, key string, dst *bool) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return append(problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
	}
	*dst = value
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
