package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// Config holds database configuration
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured
func (c Config) Enabled() bool {
	return c.Host != ""
}

// DSN returns the lib/pq connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// Postgres represents a PostgreSQL connection
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres creates a new PostgreSQL connection pool
func NewPostgres(cfg Config, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 2
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	logger.Info("database pool configured",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int("max_open_conns", maxOpen))

	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresWithDB wraps an existing handle
func NewPostgresWithDB(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// DB returns the underlying handle
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Schema is applied in order by CreateTables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS failover_decisions (
		id UUID PRIMARY KEY,
		from_region TEXT NOT NULL,
		to_region TEXT NOT NULL,
		decided_at TIMESTAMPTZ NOT NULL,
		trigger_reason TEXT NOT NULL,
		trigger_epoch BIGINT NOT NULL,
		forced BOOLEAN NOT NULL DEFAULT FALSE,
		replication_snapshot BYTEA,
		outcome TEXT,
		outcome_reason TEXT,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failover_decisions_pending
		ON failover_decisions(decided_at) WHERE outcome IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_failover_decisions_decided_at
		ON failover_decisions(decided_at DESC)`,
}

// CreateTables creates the journal tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	for _, query := range Schema {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	p.logger.Debug("database schema applied", zap.Int("statements", len(Schema)))
	return nil
}
