package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/repository"
)

// TransferRepository implements repository.TransferRepository for PostgreSQL.
type TransferRepository struct {
	db *sql.DB
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a new TransferRecord.
func (r *TransferRepository) Create(ctx context.Context, rec *entity.TransferRecord) error {
	perDest, err := json.Marshal(rec.PerDestination)
	if err != nil {
		return fmt.Errorf("marshal per_destination: %w", err)
	}

	query := `
		INSERT INTO transfer_records (
			id, route_name, study_uid, calling_peer, file_count,
			bytes, state, per_destination, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, string(rec.RouteName), string(rec.StudyUID), string(rec.CallingPeer),
		rec.FileCount, rec.Bytes, string(rec.State), perDest, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer record: %w", err)
	}
	return nil
}

// Update rewrites a TransferRecord's mutable fields.
func (r *TransferRepository) Update(ctx context.Context, rec *entity.TransferRecord) error {
	perDest, err := json.Marshal(rec.PerDestination)
	if err != nil {
		return fmt.Errorf("marshal per_destination: %w", err)
	}

	query := `
		UPDATE transfer_records
		SET state = $2, per_destination = $3, file_count = $4, bytes = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, rec.ID, string(rec.State), perDest, rec.FileCount, rec.Bytes, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transfer record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &repository.NotFoundError{ResourceType: "TransferRecord", ResourceID: rec.ID}
	}
	return nil
}

// GetByID retrieves a TransferRecord by its ID.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*entity.TransferRecord, error) {
	query := `
		SELECT id, route_name, study_uid, calling_peer, file_count, bytes, state, per_destination, created_at, updated_at
		FROM transfer_records WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)
	rec, err := scanTransferRecord(row)
	if err == sql.ErrNoRows {
		return nil, &repository.NotFoundError{ResourceType: "TransferRecord", ResourceID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer record: %w", err)
	}
	return rec, nil
}

// GetByState lists TransferRecords currently in the given state, e.g. to
// resume EdgeRetryPending deliveries after a restart.
func (r *TransferRepository) GetByState(ctx context.Context, state entity.TransferState) ([]*entity.TransferRecord, error) {
	query := `
		SELECT id, route_name, study_uid, calling_peer, file_count, bytes, state, per_destination, created_at, updated_at
		FROM transfer_records WHERE state = $1 ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer records: %w", err)
	}
	defer rows.Close()
	return scanTransferRecords(rows)
}

// ListByRoute returns the most recent TransferRecords for a route.
func (r *TransferRepository) ListByRoute(ctx context.Context, routeName entity.AETitle, limit int) ([]*entity.TransferRecord, error) {
	query := `
		SELECT id, route_name, study_uid, calling_peer, file_count, bytes, state, per_destination, created_at, updated_at
		FROM transfer_records WHERE route_name = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, string(routeName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer records: %w", err)
	}
	defer rows.Close()
	return scanTransferRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransferRecord(row rowScanner) (*entity.TransferRecord, error) {
	rec := &entity.TransferRecord{}
	var routeName, studyUID, callingPeer, state string
	var perDest []byte

	if err := row.Scan(&rec.ID, &routeName, &studyUID, &callingPeer, &rec.FileCount,
		&rec.Bytes, &state, &perDest, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.RouteName = entity.AETitle(routeName)
	rec.StudyUID = entity.StudyUID(studyUID)
	rec.CallingPeer = entity.AETitle(callingPeer)
	rec.State = entity.TransferState(state)
	if err := json.Unmarshal(perDest, &rec.PerDestination); err != nil {
		return nil, fmt.Errorf("unmarshal per_destination: %w", err)
	}
	return rec, nil
}

func scanTransferRecords(rows *sql.Rows) ([]*entity.TransferRecord, error) {
	var out []*entity.TransferRecord
	for rows.Next() {
		rec, err := scanTransferRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
