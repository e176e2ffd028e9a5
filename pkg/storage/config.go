package storage

import "time"

// Config for the storage backends
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // Comma-separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresURL:         "postgres://localhost:5432/tollgate?sslmode=disable",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisURL:            "redis://localhost:6379/0",
		RedisDB:             -1,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
