// Package postgres implements the cache store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultQueryTimeout bounds individual queries so runaway SQL cannot hold
// connections indefinitely.
const DefaultQueryTimeout = 30 * time.Second

// DB wraps the sql pool with settlement-specific schema management.
type DB struct {
	*sql.DB
}

// Config controls the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens a pool, verifies connectivity, and ensures the schema exists.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	wrapped := &DB{db}
	if err := wrapped.ensureSchema(); err != nil {
		return nil, err
	}
	return wrapped, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// schema is idempotent DDL applied at startup. user_tokens is written by
// the OAuth layer; the pipeline only reads it.
const schema = `
CREATE TABLE IF NOT EXISTS chain_challenges (
	contract_address       TEXT        NOT NULL,
	challenge_id           BIGINT      NOT NULL,
	recipient              TEXT        NOT NULL DEFAULT '',
	start_time             BIGINT      NOT NULL,
	end_time               BIGINT      NOT NULL,
	is_private             BOOLEAN     NOT NULL DEFAULT false,
	name                   TEXT        NOT NULL DEFAULT '',
	activity_type          TEXT        NOT NULL DEFAULT '',
	goal_kind              TEXT        NOT NULL DEFAULT '',
	goal_amount            BIGINT      NOT NULL DEFAULT 0,
	description            TEXT        NOT NULL DEFAULT '',
	total_donation_amount  NUMERIC(78,0) NOT NULL DEFAULT 0,
	results_finalized      BOOLEAN     NOT NULL DEFAULT false,
	participant_count      INTEGER     NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (contract_address, challenge_id)
);

CREATE TABLE IF NOT EXISTS chain_participants (
	contract_address    TEXT          NOT NULL,
	challenge_id        BIGINT        NOT NULL,
	participant_address TEXT          NOT NULL,
	initial_amount      NUMERIC(78,0) NOT NULL DEFAULT 0,
	amount              NUMERIC(78,0) NOT NULL DEFAULT 0,
	refund_bps          SMALLINT      NOT NULL DEFAULT 0,
	result_declared     BOOLEAN       NOT NULL DEFAULT false,
	updated_at          TIMESTAMPTZ   NOT NULL DEFAULT now(),
	PRIMARY KEY (contract_address, challenge_id, participant_address)
);

CREATE TABLE IF NOT EXISTS finished_challenges (
	contract_address TEXT        NOT NULL,
	challenge_id     BIGINT      NOT NULL,
	rule             JSONB       NOT NULL DEFAULT '{}',
	summary          JSONB       NOT NULL DEFAULT '{}',
	archived_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (contract_address, challenge_id)
);

CREATE TABLE IF NOT EXISTS finished_participants (
	contract_address    TEXT          NOT NULL,
	challenge_id        BIGINT        NOT NULL,
	participant_address TEXT          NOT NULL,
	stake_minor_units   NUMERIC(78,0) NOT NULL DEFAULT 0,
	percent_ppm         BIGINT        NOT NULL DEFAULT 0,
	progress_ratio      DOUBLE PRECISION,
	batch_no            INTEGER,
	tx_hash             TEXT,
	refund_amount       NUMERIC(78,0) NOT NULL DEFAULT 0,
	fail_amount         NUMERIC(78,0) NOT NULL DEFAULT 0,
	commission_amount   NUMERIC(78,0) NOT NULL DEFAULT 0,
	charity_amount      NUMERIC(78,0) NOT NULL DEFAULT 0,
	reward_amount       NUMERIC(78,0) NOT NULL DEFAULT 0,
	archived_at         TIMESTAMPTZ   NOT NULL DEFAULT now(),
	PRIMARY KEY (contract_address, challenge_id, participant_address)
);

CREATE TABLE IF NOT EXISTS user_tokens (
	wallet_address TEXT        NOT NULL,
	provider       TEXT        NOT NULL,
	access_token   TEXT        NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (wallet_address, provider)
);
`

func (db *DB) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
