// Package crosswalk implements the durable key→key mapping store behind the
// honest broker (§4.B/§4.C): a single-file embedded relational store with a
// unique index on (broker, idIn, idType), a reverse index on (broker, idOut,
// idType), an append-only audit log, and scheduled backup/restore.
package crosswalk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dicomgw/gateway/internal/entity"
)

// Entry is one crosswalk(broker, idIn, idOut, idType, created, updated) row.
type Entry struct {
	Broker  string
	IDIn    string
	IDOut   string
	IDType  string
	Created time.Time
	Updated time.Time
}

// LogAction names an append-only crosswalk_log action.
type LogAction string

const (
	ActionLookup        LogAction = "lookup"
	ActionCreate        LogAction = "create"
	ActionReverseLookup LogAction = "reverse_lookup"
	ActionRoute         LogAction = "route"
)

// LogEntry is one append-only audit row.
type LogEntry struct {
	ID          int64
	Action      LogAction
	IDIn        string
	IDOut       string
	IDType      string
	Route       string
	Destination string
	StudyUID    string
	Details     string
	Timestamp   time.Time
}

// Store is the sole mutator of persistent crosswalk state, backed by a
// single SQLite file. Concurrent readers observe a consistent snapshot
// because SQLite serializes writers and WAL mode lets readers proceed
// without blocking on them.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the crosswalk database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening crosswalk store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite writers are serialized; avoid pool contention on a single file.

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the underlying database file path, used by the backup job.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS crosswalk (
	broker  TEXT NOT NULL,
	id_in   TEXT NOT NULL,
	id_out  TEXT NOT NULL,
	id_type TEXT NOT NULL,
	created TEXT NOT NULL,
	updated TEXT NOT NULL,
	UNIQUE(broker, id_in, id_type)
);
CREATE INDEX IF NOT EXISTS idx_crosswalk_reverse ON crosswalk(broker, id_out, id_type);

CREATE TABLE IF NOT EXISTS crosswalk_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	action      TEXT NOT NULL,
	id_in       TEXT,
	id_out      TEXT,
	id_type     TEXT,
	route       TEXT,
	destination TEXT,
	study_uid   TEXT,
	details     TEXT,
	timestamp   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS date_shift (
	broker  TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	shift_days INTEGER NOT NULL,
	created TEXT NOT NULL,
	PRIMARY KEY (broker, patient_id)
);
`)
	if err != nil {
		return fmt.Errorf("migrating crosswalk schema: %w", err)
	}
	return nil
}

// Lookup returns the idOut for (broker, idIn, idType) if present.
func (s *Store) Lookup(ctx context.Context, broker, idIn, idType string) (string, bool, error) {
	var idOut string
	err := s.db.QueryRowContext(ctx,
		`SELECT id_out FROM crosswalk WHERE broker = ? AND id_in = ? AND id_type = ?`,
		broker, idIn, idType,
	).Scan(&idOut)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "lookup failed", err)
	}
	return idOut, true, nil
}

// ReverseLookup returns the idIn for (broker, idOut, idType) if present.
func (s *Store) ReverseLookup(ctx context.Context, broker, idOut, idType string) (string, bool, error) {
	var idIn string
	err := s.db.QueryRowContext(ctx,
		`SELECT id_in FROM crosswalk WHERE broker = ? AND id_out = ? AND id_type = ?`,
		broker, idOut, idType,
	).Scan(&idIn)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "reverse lookup failed", err)
	}
	return idIn, true, nil
}

// Store creates a brand-new mapping. A CrosswalkEntry, once created for a
// given (broker, idIn, idType), is immutable in idOut — this method uses
// INSERT OR IGNORE plus a follow-up read so a racing duplicate create never
// overwrites an existing idOut.
func (s *Store) Store(ctx context.Context, broker, idIn, idOut, idType string) (string, error) {
	now := entity.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO crosswalk (broker, id_in, id_out, id_type, created, updated) VALUES (?, ?, ?, ?, ?, ?)`,
		broker, idIn, idOut, idType, now, now,
	)
	if err != nil {
		return "", entity.NewGatewayError(entity.KindCrosswalkIntegrity, "store failed", err)
	}

	// Re-read in case of a race: whoever wrote first wins, and idOut is
	// immutable thereafter.
	existing, ok, err := s.Lookup(ctx, broker, idIn, idType)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", entity.NewGatewayError(entity.KindCrosswalkIntegrity, "mapping vanished after insert", nil)
	}
	return existing, nil
}

// MappingCount returns the number of mappings recorded for a broker, used by
// the sequential scheme to compute its next suffix.
func (s *Store) MappingCount(ctx context.Context, broker string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crosswalk WHERE broker = ?`, broker,
	).Scan(&count)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "count failed", err)
	}
	return count, nil
}

// TotalMappingCount returns the number of mappings across every broker,
// used by the backup manager's snapshot metadata.
func (s *Store) TotalMappingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk`).Scan(&count)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "total count failed", err)
	}
	return count, nil
}

// IDOutExists reports whether idOut is already used within a broker's
// namespace, used by every scheme to detect a collision before accepting a
// generated candidate.
func (s *Store) IDOutExists(ctx context.Context, broker, idOut, idType string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crosswalk WHERE broker = ? AND id_out = ? AND id_type = ?`,
		broker, idOut, idType,
	).Scan(&count)
	if err != nil {
		return false, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "collision check failed", err)
	}
	return count > 0, nil
}

// Log appends one audit row.
func (s *Store) Log(ctx context.Context, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = entity.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crosswalk_log (action, id_in, id_out, id_type, route, destination, study_uid, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Action), entry.IDIn, entry.IDOut, entry.IDType,
		entry.Route, entry.Destination, entry.StudyUID, entry.Details,
		entry.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return entity.NewGatewayError(entity.KindCrosswalkIntegrity, "audit log append failed", err)
	}
	return nil
}

// LogCount returns the number of rows in the audit log, used by the backup
// job's snapshot metadata.
func (s *Store) LogCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk_log`).Scan(&count)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "log count failed", err)
	}
	return count, nil
}

// DateShift returns the persisted shift (in days) for a patient under a
// broker, allocating and persisting a new value in [min, max] via allocate
// if none exists yet.
func (s *Store) DateShift(ctx context.Context, broker, patientID string, allocate func() int) (int, error) {
	var shift int
	err := s.db.QueryRowContext(ctx,
		`SELECT shift_days FROM date_shift WHERE broker = ? AND patient_id = ?`,
		broker, patientID,
	).Scan(&shift)
	if err == nil {
		return shift, nil
	}
	if err != sql.ErrNoRows {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "date shift lookup failed", err)
	}

	shift = allocate()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO date_shift (broker, patient_id, shift_days, created) VALUES (?, ?, ?, ?)`,
		broker, patientID, shift, entity.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "date shift persist failed", err)
	}

	// Another goroutine may have raced us; re-read to get the winner's value.
	err = s.db.QueryRowContext(ctx,
		`SELECT shift_days FROM date_shift WHERE broker = ? AND patient_id = ?`,
		broker, patientID,
	).Scan(&shift)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindCrosswalkIntegrity, "date shift re-read failed", err)
	}
	return shift, nil
}
