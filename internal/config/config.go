package config

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"ratelimit-gateway/internal/util"
)

// FallbackStrategy controls middleware behavior on an unexpected internal
// fault (not a limited result, not a store outage).
type FallbackStrategy string

const (
	// FallbackStrict rejects requests with 503 when the limiter itself fails.
	FallbackStrict FallbackStrategy = "STRICT"
	// FallbackPermissive admits requests uninstrumented when the limiter fails.
	FallbackPermissive FallbackStrategy = "PERMISSIVE"
)

type Config struct {
	Environment string

	Server         ServerConfig
	Logging        LoggingConfig
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Redis          RedisConfig
	Scylla         ScyllaConfig
	Kafka          KafkaConfig
	Clickhouse     ClickhouseConfig
	KMS            KMSConfig
	Bucketing      BucketingConfig
	Upstream       UpstreamConfig
}

// UpstreamConfig points at the API the gateway fronts. Empty URL disables
// the proxy; only the ping and admin surfaces remain.
type UpstreamConfig struct {
	URL string
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RateLimitConfig struct {
	// Requests allowed per window per tier.
	StandardLimit int64
	PremiumLimit  int64
	// Window duration for the sliding window.
	Window time.Duration
	// Behavior when the limiter hits an unexpected internal fault.
	Fallback FallbackStrategy
	// Interval between background store connectivity pings.
	HealthCheckInterval time.Duration
}

type CircuitBreakerConfig struct {
	// Per-call deadline for store operations.
	CallTimeout time.Duration
	// How long the breaker stays open before probing.
	ResetTimeout time.Duration
	// Failures within the rolling window that trip the breaker.
	ErrorThreshold int64
	// Minimum calls observed before the breaker may trip.
	MinimumVolume int64
	// Rolling window over which failures are counted.
	RollingWindow time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	ClientBuckets int
	EventBuckets  int
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads configuration from the environment (optionally seeded from
// a .env file) and validates it. Invalid rate-limit configuration is a hard
// error: the gateway must refuse to start rather than run unlimited.
func LoadConfig() (*Config, error) {
	// Missing .env is fine in containers; env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  util.GetEnv("SERVER_AUTO_CERT_DIR", "/var/lib/ratelimit-gateway/certs"),
			Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			StandardLimit:       util.GetEnvInt64("RATE_LIMIT_STANDARD", 100),
			PremiumLimit:        util.GetEnvInt64("RATE_LIMIT_PREMIUM", 1000),
			Window:              util.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Fallback:            FallbackStrategy(util.GetEnv("RATE_LIMIT_FALLBACK", string(FallbackStrict))),
			HealthCheckInterval: util.GetEnvDuration("RATE_LIMIT_HEALTH_INTERVAL", 30*time.Second),
		},
		CircuitBreaker: CircuitBreakerConfig{
			CallTimeout:    util.GetEnvDuration("BREAKER_CALL_TIMEOUT", 200*time.Millisecond),
			ResetTimeout:   util.GetEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			ErrorThreshold: util.GetEnvInt64("BREAKER_ERROR_THRESHOLD", 5),
			MinimumVolume:  util.GetEnvInt64("BREAKER_MINIMUM_VOLUME", 10),
			RollingWindow:  util.GetEnvDuration("BREAKER_ROLLING_WINDOW", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Enabled:  util.GetEnvBool("SCYLLA_ENABLED", false),
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "ratelimit"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers: util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   util.GetEnv("KAFKA_THROTTLE_TOPIC", "throttle-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "ratelimit"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("AWS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			ClientBuckets: util.GetEnvInt("BUCKETING_CLIENT_BUCKETS", 64),
			EventBuckets:  util.GetEnvInt("BUCKETING_EVENT_BUCKETS", 16),
		},
		Upstream: UpstreamConfig{
			URL: util.GetEnv("UPSTREAM_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Get returns the last loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Validate rejects configuration that would silently disable or corrupt
// rate limiting.
func (c *Config) Validate() error {
	if c.RateLimit.StandardLimit <= 0 {
		return fmt.Errorf("invalid config: RATE_LIMIT_STANDARD must be positive, got %d", c.RateLimit.StandardLimit)
	}
	if c.RateLimit.PremiumLimit <= 0 {
		return fmt.Errorf("invalid config: RATE_LIMIT_PREMIUM must be positive, got %d", c.RateLimit.PremiumLimit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("invalid config: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	switch c.RateLimit.Fallback {
	case FallbackStrict, FallbackPermissive:
	default:
		return fmt.Errorf("invalid config: RATE_LIMIT_FALLBACK must be STRICT or PERMISSIVE, got %q", c.RateLimit.Fallback)
	}
	if c.CircuitBreaker.CallTimeout <= 0 {
		return fmt.Errorf("invalid config: BREAKER_CALL_TIMEOUT must be positive, got %s", c.CircuitBreaker.CallTimeout)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("invalid config: BREAKER_RESET_TIMEOUT must be positive, got %s", c.CircuitBreaker.ResetTimeout)
	}
	if c.CircuitBreaker.ErrorThreshold <= 0 {
		return fmt.Errorf("invalid config: BREAKER_ERROR_THRESHOLD must be positive, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.MinimumVolume < 0 {
		return fmt.Errorf("invalid config: BREAKER_MINIMUM_VOLUME must not be negative, got %d", c.CircuitBreaker.MinimumVolume)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("invalid config: REDIS_URL is required")
	}
	if c.Bucketing.ClientBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("invalid config: bucketing counts must be positive")
	}
	if c.Upstream.URL != "" {
		if _, err := url.Parse(c.Upstream.URL); err != nil {
			return fmt.Errorf("invalid config: UPSTREAM_URL is not a valid URL: %w", err)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
