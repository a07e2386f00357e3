package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/guardian-gateway/internal/infra"
)

// DB — то, что нужно репозиториям от пула (удобно подменять транзакцией).
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool создаёт пул соединений и проверяет доступность базы.
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS guardian_accounts (
		org        TEXT NOT NULL,
		account    TEXT NOT NULL,
		config     JSONB NOT NULL,
		state      JSONB NOT NULL,
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org, account)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id               TEXT PRIMARY KEY,
		timestamp        TIMESTAMPTZ NOT NULL,
		trace_id         TEXT NOT NULL DEFAULT '',
		action_type      TEXT NOT NULL,
		action_category  TEXT NOT NULL DEFAULT '',
		org              TEXT NOT NULL DEFAULT '',
		account          TEXT NOT NULL DEFAULT '',
		order_id         TEXT NOT NULL DEFAULT '',
		payload          JSONB,
		status           TEXT NOT NULL,
		result           JSONB,
		source           TEXT NOT NULL,
		stage            TEXT NOT NULL DEFAULT '',
		tx_hash          TEXT NOT NULL DEFAULT '',
		policy_breach    JSONB,
		error            TEXT NOT NULL DEFAULT '',
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		primary_guardian TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_ts_idx ON audit_records (timestamp DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS audit_records_account_idx ON audit_records (org, account, timestamp DESC)`,
}

// Migrate создаёт схему, если её ещё нет.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
