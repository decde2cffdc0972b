package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/pkg/logger"
)

// DBConfig contains database configuration
type DBConfig struct {
	MaxOpenConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenConns:      25,
		ConnMaxLifetime:   1 * time.Hour,
		ConnMaxIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// DB wraps the pgxpool.Pool with additional configuration and helper methods
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool with configured limits
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}

	config.MaxConns = int32(dbConfig.MaxOpenConns)
	config.MaxConnLifetime = dbConfig.ConnMaxLifetime
	config.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	config.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
	return nil
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
