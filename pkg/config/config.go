package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Plans         PlansConfig
	Metering      MeteringConfig
	Lifecycle     LifecycleConfig
	Processor     ProcessorConfig
	Reconcile     ReconcileConfig
	Revenue       RevenueConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string

	// RateLimitBackend is redis, memory or off
	RateLimitBackend string
}

// Request rate limit backends
const (
	RateLimitRedis  = "redis"
	RateLimitMemory = "memory"
	RateLimitOff    = "off"
)

// PlansConfig points at the plan catalogue
type PlansConfig struct {
	// CatalogueFile is a YAML catalogue; empty selects the built-in plans
	CatalogueFile string
}

// Unknown resource policies
const (
	UnknownResourceAllow = "allow"
	UnknownResourceDeny  = "deny"
)

// MeteringConfig controls quota enforcement
type MeteringConfig struct {
	UnknownResourcePolicy string
	UsageLogTimeout       time.Duration
	// RequestResource is charged one unit per owner API request when set
	RequestResource string
}

// LifecycleConfig controls subscription mutations
type LifecycleConfig struct {
	CacheTTL     time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
	StaleRetries int
}

// Processor kinds
const (
	ProcessorStripe = "stripe"
	ProcessorMock   = "mock"
)

// ProcessorConfig configures the external payment processor client
type ProcessorConfig struct {
	Kind          string
	APIKey        string
	WebhookSecret string
	// PriceIDs maps "<tier>:<cycle>" to a processor price id
	PriceIDs       map[string]string
	CallTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ReconcileConfig controls the full-sync sweep
type ReconcileConfig struct {
	SweepSchedule    string
	SweepConcurrency int
	SweepTimeout     time.Duration
	// readiness degrades when no sweep has succeeded for this long
	SweepMaxAge time.Duration
}

// RevenueConfig controls the revenue snapshot
type RevenueConfig struct {
	SnapshotTTL time.Duration
	ChurnWindow time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Plans:         PlansConfig{CatalogueFile: getEnv("TOLLGATE_PLANS_FILE", "")},
		Metering:      loadMeteringConfig(),
		Lifecycle:     loadLifecycleConfig(),
		Processor:     loadProcessorConfig(),
		Reconcile:     loadReconcileConfig(),
		Revenue:       loadRevenueConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TOLLGATE_HEALTH_PORT", "9090"),

		RateLimitBackend: strings.ToLower(getEnv("TOLLGATE_RATE_LIMIT_BACKEND", RateLimitRedis)),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	if pgURL := getEnv("TOLLGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TOLLGATE_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("TOLLGATE_POSTGRES_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}

	// Redis config
	if redisURL := getEnv("TOLLGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TOLLGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TOLLGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadMeteringConfig() MeteringConfig {
	return MeteringConfig{
		UnknownResourcePolicy: strings.ToLower(getEnv("TOLLGATE_UNKNOWN_RESOURCE_POLICY", UnknownResourceAllow)),
		UsageLogTimeout:       getEnvDuration("TOLLGATE_USAGE_LOG_TIMEOUT", 5*time.Second),
		RequestResource:       getEnv("TOLLGATE_METER_REQUESTS", ""),
	}
}

func loadLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		CacheTTL:     getEnvDuration("TOLLGATE_SUBSCRIPTION_CACHE_TTL", time.Hour),
		LockTTL:      getEnvDuration("TOLLGATE_OWNER_LOCK_TTL", 30*time.Second),
		LockWait:     getEnvDuration("TOLLGATE_OWNER_LOCK_WAIT", 5*time.Second),
		StaleRetries: getEnvInt("TOLLGATE_STALE_RETRIES", 3),
	}
}

func loadProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Kind:           strings.ToLower(getEnv("TOLLGATE_PROCESSOR", ProcessorMock)),
		APIKey:         getEnv("TOLLGATE_STRIPE_API_KEY", ""),
		WebhookSecret:  getEnv("TOLLGATE_STRIPE_WEBHOOK_SECRET", ""),
		PriceIDs:       parsePriceIDs(getEnv("TOLLGATE_STRIPE_PRICE_IDS", "")),
		CallTimeout:    getEnvDuration("TOLLGATE_PROCESSOR_TIMEOUT", 10*time.Second),
		MaxAttempts:    getEnvInt("TOLLGATE_PROCESSOR_MAX_ATTEMPTS", 3),
		InitialBackoff: getEnvDuration("TOLLGATE_PROCESSOR_INITIAL_BACKOFF", 200*time.Millisecond),
		MaxBackoff:     getEnvDuration("TOLLGATE_PROCESSOR_MAX_BACKOFF", 5*time.Second),
	}
}

func loadReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		SweepSchedule:    getEnv("TOLLGATE_SWEEP_SCHEDULE", "*/15 * * * *"),
		SweepConcurrency: getEnvInt("TOLLGATE_SWEEP_CONCURRENCY", 8),
		SweepTimeout:     getEnvDuration("TOLLGATE_SWEEP_TIMEOUT", 10*time.Minute),
		SweepMaxAge:      getEnvDuration("TOLLGATE_SWEEP_MAX_AGE", time.Hour),
	}
}

func loadRevenueConfig() RevenueConfig {
	return RevenueConfig{
		SnapshotTTL: getEnvDuration("TOLLGATE_REVENUE_SNAPSHOT_TTL", 30*time.Second),
		ChurnWindow: getEnvDuration("TOLLGATE_CHURN_WINDOW", 30*24*time.Hour),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOLLGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	switch c.Server.RateLimitBackend {
	case RateLimitRedis, RateLimitMemory, RateLimitOff:
	default:
		return fmt.Errorf("invalid rate limit backend %q", c.Server.RateLimitBackend)
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	switch c.Metering.UnknownResourcePolicy {
	case UnknownResourceAllow, UnknownResourceDeny:
	default:
		return fmt.Errorf("invalid unknown resource policy: %s (must be allow or deny)", c.Metering.UnknownResourcePolicy)
	}

	if c.Lifecycle.LockTTL <= 0 {
		return fmt.Errorf("owner lock TTL must be positive")
	}

	switch c.Processor.Kind {
	case ProcessorStripe:
		if c.Processor.APIKey == "" {
			return fmt.Errorf("stripe API key is required for the stripe processor")
		}
		if c.Processor.WebhookSecret == "" {
			return fmt.Errorf("stripe webhook secret is required for the stripe processor")
		}
	case ProcessorMock:
	default:
		return fmt.Errorf("invalid processor: %s (must be stripe or mock)", c.Processor.Kind)
	}
	if c.Processor.MaxAttempts < 1 {
		return fmt.Errorf("processor max attempts must be at least 1")
	}
	if c.Processor.CallTimeout <= 0 {
		return fmt.Errorf("processor timeout must be positive")
	}

	if c.Reconcile.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	if c.Reconcile.SweepConcurrency < 1 {
		return fmt.Errorf("sweep concurrency must be at least 1")
	}

	if c.Revenue.ChurnWindow <= 0 {
		return fmt.Errorf("churn window must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// parsePriceIDs parses "basic:monthly=price_1,basic:annual=price_2"
func parsePriceIDs(value string) map[string]string {
	ids := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		key, id, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key, id = strings.TrimSpace(key), strings.TrimSpace(id)
		if key != "" && id != "" {
			ids[key] = id
		}
	}
	return ids
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
