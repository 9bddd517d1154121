package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the streamer listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultTokenTTL is the lifetime of issued socket auth tokens.
	DefaultTokenTTL = time.Hour
	// DefaultTokenLeeway absorbs clock skew when verifying token expiry.
	DefaultTokenLeeway = 2 * time.Second

	// DefaultCacheCapacity bounds the filter evaluation cache.
	DefaultCacheCapacity = 4096
	// DefaultCacheTTL applies to entity types without an explicit override.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultIdleSweepInterval controls how frequently idle sessions are scanned.
	DefaultIdleSweepInterval = 5 * time.Minute
	// DefaultIdleThreshold is the inactivity span after which a session is closed.
	DefaultIdleThreshold = 10 * time.Minute

	// DefaultCompressionThreshold is the serialized frame size beyond which
	// outbound batches are compressed.
	DefaultCompressionThreshold = 1024

	// DefaultFlushBaseInterval applies to entity types without an explicit cadence.
	DefaultFlushBaseInterval = 100 * time.Millisecond
	// DefaultFlushMinInterval is the floor for the adaptive flush timer.
	DefaultFlushMinInterval = 20 * time.Millisecond
	// DefaultFlushMaxInterval is the ceiling the timer stretches to under load.
	DefaultFlushMaxInterval = 500 * time.Millisecond
	// DefaultFlushLoadThreshold is the queued-message count that triggers stretching.
	DefaultFlushLoadThreshold = 500

	// DefaultLogLevel controls verbosity for streamer logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "streamer.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// RateWindow describes one sliding-window rule for authenticated users.
type RateWindow struct {
	Window time.Duration
	Limit  int
}

// RateBucket describes one token-bucket rule for anonymous IPs.
type RateBucket struct {
	RatePerSecond float64
	Capacity      float64
}

// RateLimits holds the per-operation-class limiter rules.
type RateLimits struct {
	UserConnection   RateWindow
	UserSubscription RateWindow
	UserMessage      RateWindow
	IPConnection     RateBucket
	IPSubscription   RateBucket
	IPMessage        RateBucket
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the streamer service.
type Config struct {
	Address              string
	AllowedOrigins       []string
	MaxPayloadBytes      int64
	PingInterval         time.Duration
	MaxClients           int
	TLSCertPath          string
	TLSKeyPath           string
	AuthSecret           string
	TokenTTL             time.Duration
	TokenLeeway          time.Duration
	AdminToken           string
	RateLimits           RateLimits
	CacheCapacity        int
	CacheTTL             time.Duration
	CacheTTLByEntityType map[string]time.Duration
	FlushBaseIntervals   map[string]time.Duration
	FlushMinInterval     time.Duration
	FlushMaxInterval     time.Duration
	FlushLoadThreshold   int
	CompressionThreshold int
	IdleSweepInterval    time.Duration
	IdleThreshold        time.Duration
	RelayPeerURL         string
	Logging              LoggingConfig
}

func defaultRateLimits() RateLimits {
	return RateLimits{
		UserConnection:   RateWindow{Window: time.Minute, Limit: 10},
		UserSubscription: RateWindow{Window: time.Minute, Limit: 60},
		UserMessage:      RateWindow{Window: time.Minute, Limit: 300},
		IPConnection:     RateBucket{RatePerSecond: 0.5, Capacity: 5},
		IPSubscription:   RateBucket{RatePerSecond: 2, Capacity: 20},
		IPMessage:        RateBucket{RatePerSecond: 10, Capacity: 50},
	}
}

func defaultCacheTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"analytics":   time.Minute,
		"job_opening": 30 * time.Minute,
		"campaign":    5 * time.Minute,
		"segment":     10 * time.Minute,
		"task":        5 * time.Minute,
	}
}

func defaultFlushIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"notification": 50 * time.Millisecond,
		"job_opening":  50 * time.Millisecond,
		"campaign":     100 * time.Millisecond,
		"segment":      100 * time.Millisecond,
		"task":         200 * time.Millisecond,
		"analytics":    250 * time.Millisecond,
	}
}

// Load reads the streamer configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("STREAMER_ADDR", DefaultAddr),
		AllowedOrigins:       parseList(os.Getenv("STREAMER_ALLOWED_ORIGINS")),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		PingInterval:         DefaultPingInterval,
		MaxClients:           DefaultMaxClients,
		TLSCertPath:          strings.TrimSpace(os.Getenv("STREAMER_TLS_CERT")),
		TLSKeyPath:           strings.TrimSpace(os.Getenv("STREAMER_TLS_KEY")),
		AuthSecret:           strings.TrimSpace(os.Getenv("STREAMER_AUTH_SECRET")),
		TokenTTL:             DefaultTokenTTL,
		TokenLeeway:          DefaultTokenLeeway,
		AdminToken:           strings.TrimSpace(os.Getenv("STREAMER_ADMIN_TOKEN")),
		RateLimits:           defaultRateLimits(),
		CacheCapacity:        DefaultCacheCapacity,
		CacheTTL:             DefaultCacheTTL,
		CacheTTLByEntityType: defaultCacheTTLs(),
		FlushBaseIntervals:   defaultFlushIntervals(),
		FlushMinInterval:     DefaultFlushMinInterval,
		FlushMaxInterval:     DefaultFlushMaxInterval,
		FlushLoadThreshold:   DefaultFlushLoadThreshold,
		CompressionThreshold: DefaultCompressionThreshold,
		IdleSweepInterval:    DefaultIdleSweepInterval,
		IdleThreshold:        DefaultIdleThreshold,
		RelayPeerURL:         strings.TrimSpace(os.Getenv("STREAMER_RELAY_PEER_URL")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("STREAMER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("STREAMER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("STREAMER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_TOKEN_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_TOKEN_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.TokenTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_CACHE_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_CACHE_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.CacheCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_CACHE_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_CACHE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.CacheTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_FLUSH_MIN_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_FLUSH_MIN_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.FlushMinInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_FLUSH_MAX_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_FLUSH_MAX_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.FlushMaxInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_FLUSH_LOAD_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_FLUSH_LOAD_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.FlushLoadThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_COMPRESSION_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_COMPRESSION_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.CompressionThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_IDLE_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_IDLE_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.IdleSweepInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_IDLE_THRESHOLD")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_IDLE_THRESHOLD must be a positive duration, got %q", raw))
		} else {
			cfg.IdleThreshold = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAMER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAMER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STREAMER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.AuthSecret == "" {
		problems = append(problems, "STREAMER_AUTH_SECRET must not be empty")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "STREAMER_TLS_CERT and STREAMER_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// BaseFlushInterval reports the configured cadence for the entity type,
// falling back to the shared default.
func (c *Config) BaseFlushInterval(entityType string) time.Duration {
	if c == nil {
		return DefaultFlushBaseInterval
	}
	if interval, ok := c.FlushBaseIntervals[entityType]; ok {
		return interval
	}
	return DefaultFlushBaseInterval
}

// EntityCacheTTL reports the evaluation-cache TTL for the entity type,
// falling back to the shared default.
func (c *Config) EntityCacheTTL(entityType string) time.Duration {
	if c == nil {
		return DefaultCacheTTL
	}
	if ttl, ok := c.CacheTTLByEntityType[entityType]; ok {
		return ttl
	}
	return c.CacheTTL
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
