package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the connection string for the configuration
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Connect(ctx, cfg.DSN(), logger)
	if err != nil {
		return nil, err
	}
	db.logger.Info().Str("database", cfg.Database).Msg("Successfully connected to PostgreSQL database")
	return db, nil
}

// Connect opens a pool for a connection string and verifies it with a ping
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "Database").Logger(),
	}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations...")

	migrations := []string{
		// Strategies that originate orders
		`CREATE TABLE IF NOT EXISTS strategies (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			description TEXT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		// Current state of every gateway order. Price and quantity columns are
		// DOUBLE PRECISION so values round-trip exactly as the gateway sent them.
		`CREATE TABLE IF NOT EXISTS orders (
			order_id BIGINT PRIMARY KEY,
			strategy_id BIGINT REFERENCES strategies(id) ON DELETE SET NULL,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			limit_price DOUBLE PRECISION,
			stop_price DOUBLE PRECISION,
			trail_amount DOUBLE PRECISION,
			trail_percent DOUBLE PRECISION,
			offset_amount DOUBLE PRECISION,
			time_in_force VARCHAR(8) NOT NULL DEFAULT 'DAY',
			good_after_time VARCHAR(32),
			good_till_date VARCHAR(32),
			status VARCHAR(20) NOT NULL,
			filled_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			remaining_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			resolution VARCHAR(20) NOT NULL DEFAULT '',
			parent_id BIGINT,
			oca_group VARCHAR(64),
			asset_type VARCHAR(10) NOT NULL DEFAULT 'STOCK',
			option_right VARCHAR(1),
			strike DOUBLE PRECISION,
			expiry VARCHAR(16),
			notes TEXT,
			submitted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_oca_group ON orders(oca_group) WHERE oca_group IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id) WHERE parent_id IS NOT NULL`,

		// Create updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_orders_updated_at ON orders`,
		`CREATE TRIGGER update_orders_updated_at BEFORE UPDATE ON orders
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}
