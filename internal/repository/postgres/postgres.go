// Package postgres implements the gateway's repository.Database against
// PostgreSQL, grounded on the same *sql.DB wrapper and migrations-on-boot
// pattern used throughout this codebase's data layer.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dicomgw/gateway/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfer_records (
	id               TEXT PRIMARY KEY,
	route_name       TEXT NOT NULL,
	study_uid        TEXT NOT NULL,
	calling_peer     TEXT NOT NULL,
	file_count       INTEGER NOT NULL,
	bytes            BIGINT NOT NULL,
	state            TEXT NOT NULL,
	per_destination  JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfer_records_state ON transfer_records(state);
CREATE INDEX IF NOT EXISTS idx_transfer_records_route ON transfer_records(route_name, created_at DESC);

CREATE TABLE IF NOT EXISTS archived_studies (
	route_name            TEXT NOT NULL,
	study_uid             TEXT NOT NULL,
	archived_at           TIMESTAMPTZ NOT NULL,
	calling_peer          TEXT NOT NULL,
	original_file_count   INTEGER NOT NULL,
	anonymized_file_count INTEGER NOT NULL,
	script_name           TEXT NOT NULL,
	broker_name           TEXT NOT NULL,
	hash_uids_enabled      BOOLEAN NOT NULL,
	per_destination       JSONB NOT NULL,
	audit_generated_at    TIMESTAMPTZ,
	PRIMARY KEY (route_name, study_uid)
);
`

// DB wraps a SQL database connection for all PostgreSQL operations.
type DB struct {
	*sql.DB
}

// New opens a connection, pings it, and applies the gateway's schema.
func New(connString string) (*DB, error) {
	sqldb, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqldb.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := sqldb.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{sqldb}, nil
}

// TransferRepository returns the transfer-record repository.
func (db *DB) TransferRepository() repository.TransferRepository {
	return &TransferRepository{db: db.DB}
}

// ArchivedStudyRepository returns the archived-study repository.
func (db *DB) ArchivedStudyRepository() repository.ArchivedStudyRepository {
	return &ArchivedStudyRepository{db: db.DB}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
