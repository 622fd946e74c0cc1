package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB connects to PostgreSQL using a connection URL (DB_URL).
func NewDB(ctx context.Context, url string, log zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// HealthCheck performs a database health check.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// backfillLockID is the advisory lock shared by the engine and the backfill
// subcommand so they never write concurrently.
const backfillLockID = 0x70617065 // "pape"

// TryAdvisoryLock acquires the process-level advisory lock. Returns false if
// another process (engine or backfill) holds it.
func (db *DB) TryAdvisoryLock(ctx context.Context) (bool, error) {
	var got bool
	err := db.Pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, backfillLockID).Scan(&got)
	return got, err
}

// RunMigrations creates the engine-owned tables. The ohlc_data table and its
// summary views belong to the ingestion pipeline and are never created here.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scan_history (
			scan_id VARCHAR(64) PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy_name VARCHAR(20) NOT NULL,
			decision VARCHAR(10) NOT NULL,
			reason VARCHAR(50) NOT NULL,
			market_regime VARCHAR(20),
			btc_price DECIMAL(20, 8),
			features JSONB,
			setup_data JSONB,
			ml_confidence DECIMAL(6, 4),
			ml_predictions JSONB,
			thresholds_used JSONB,
			proposed_position_size DECIMAL(20, 8),
			trade_id VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_timestamp ON scan_history(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_symbol ON scan_history(symbol, strategy_name)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_decision ON scan_history(decision)`,

		`CREATE TABLE IF NOT EXISTS paper_trades (
			trade_id VARCHAR(64) PRIMARY KEY,
			trade_group_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy_name VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			filled_at TIMESTAMPTZ NOT NULL,
			exit_reason VARCHAR(20),
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			trailing_stop_pct DECIMAL(10, 6),
			ml_confidence DECIMAL(6, 4),
			predicted_take_profit DECIMAL(20, 8),
			predicted_stop_loss DECIMAL(20, 8),
			predicted_hold_hours DECIMAL(10, 2),
			hold_time_hours DECIMAL(10, 2),
			scan_id VARCHAR(64),
			trading_engine VARCHAR(20) NOT NULL DEFAULT 'paper'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_paper_trades_group ON paper_trades(trade_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_paper_trades_symbol ON paper_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_paper_trades_filled_at ON paper_trades(filled_at)`,

		`CREATE TABLE IF NOT EXISTS system_heartbeat (
			service_name VARCHAR(50) UNIQUE NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL,
			metadata JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS trading_config (
			config_key VARCHAR(50) UNIQUE NOT NULL,
			config_version VARCHAR(20) NOT NULL,
			config_data JSONB NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_by VARCHAR(50)
		)`,

		`CREATE TABLE IF NOT EXISTS config_history (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version VARCHAR(20) NOT NULL,
			section_changed VARCHAR(50),
			old_value JSONB,
			new_value JSONB,
			changed_by VARCHAR(50)
		)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.log.Info().Msg("database migrations completed")
	return nil
}
