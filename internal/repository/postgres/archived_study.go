package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/repository"
)

// ArchivedStudyRepository implements repository.ArchivedStudyRepository for
// PostgreSQL. It indexes what the archive manager already wrote to disk
// (§4.K); it is not the archive's source of truth.
type ArchivedStudyRepository struct {
	db *sql.DB
}

// NewArchivedStudyRepository creates a new ArchivedStudyRepository.
func NewArchivedStudyRepository(db *sql.DB) *ArchivedStudyRepository {
	return &ArchivedStudyRepository{db: db}
}

// Create records one archived study. Re-archiving the same study (route,
// UID) overwrites the prior row, matching the archive manager's own
// overwrite-on-redelivery semantics.
func (r *ArchivedStudyRepository) Create(ctx context.Context, study *entity.ArchivedStudy) error {
	perDest, err := json.Marshal(study.PerDestination)
	if err != nil {
		return fmt.Errorf("marshal per_destination: %w", err)
	}

	query := `
		INSERT INTO archived_studies (
			route_name, study_uid, archived_at, calling_peer, original_file_count,
			anonymized_file_count, script_name, broker_name, hash_uids_enabled,
			per_destination, audit_generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (route_name, study_uid) DO UPDATE SET
			archived_at = EXCLUDED.archived_at,
			calling_peer = EXCLUDED.calling_peer,
			original_file_count = EXCLUDED.original_file_count,
			anonymized_file_count = EXCLUDED.anonymized_file_count,
			script_name = EXCLUDED.script_name,
			broker_name = EXCLUDED.broker_name,
			hash_uids_enabled = EXCLUDED.hash_uids_enabled,
			per_destination = EXCLUDED.per_destination,
			audit_generated_at = EXCLUDED.audit_generated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		string(study.RouteName), string(study.StudyUID), study.ArchivedAt, string(study.CallingPeer),
		study.OriginalFileCount, study.AnonymizedFileCount, study.ScriptName, study.BrokerName,
		study.HashUIDsEnabled, perDest, study.AuditGeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create archived study: %w", err)
	}
	return nil
}

// GetByStudyUID retrieves one archived study by route and study UID.
func (r *ArchivedStudyRepository) GetByStudyUID(ctx context.Context, routeName entity.AETitle, studyUID entity.StudyUID) (*entity.ArchivedStudy, error) {
	query := `
		SELECT route_name, study_uid, archived_at, calling_peer, original_file_count,
			anonymized_file_count, script_name, broker_name, hash_uids_enabled,
			per_destination, audit_generated_at
		FROM archived_studies WHERE route_name = $1 AND study_uid = $2
	`
	row := r.db.QueryRowContext(ctx, query, string(routeName), string(studyUID))
	study, err := scanArchivedStudy(row)
	if err == sql.ErrNoRows {
		return nil, &repository.NotFoundError{ResourceType: "ArchivedStudy", ResourceID: string(studyUID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived study: %w", err)
	}
	return study, nil
}

// ListByRoute returns the most recently archived studies for a route.
func (r *ArchivedStudyRepository) ListByRoute(ctx context.Context, routeName entity.AETitle, limit int) ([]*entity.ArchivedStudy, error) {
	query := `
		SELECT route_name, study_uid, archived_at, calling_peer, original_file_count,
			anonymized_file_count, script_name, broker_name, hash_uids_enabled,
			per_destination, audit_generated_at
		FROM archived_studies WHERE route_name = $1 ORDER BY archived_at DESC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, string(routeName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived studies: %w", err)
	}
	defer rows.Close()

	var out []*entity.ArchivedStudy
	for rows.Next() {
		study, err := scanArchivedStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived study: %w", err)
		}
		out = append(out, study)
	}
	return out, rows.Err()
}

func scanArchivedStudy(row rowScanner) (*entity.ArchivedStudy, error) {
	study := &entity.ArchivedStudy{}
	var routeName, studyUID, callingPeer string
	var perDest []byte

	if err := row.Scan(&routeName, &studyUID, &study.ArchivedAt, &callingPeer,
		&study.OriginalFileCount, &study.AnonymizedFileCount, &study.ScriptName, &study.BrokerName,
		&study.HashUIDsEnabled, &perDest, &study.AuditGeneratedAt); err != nil {
		return nil, err
	}
	study.RouteName = entity.AETitle(routeName)
	study.StudyUID = entity.StudyUID(studyUID)
	study.CallingPeer = entity.AETitle(callingPeer)
	if err := json.Unmarshal(perDest, &study.PerDestination); err != nil {
		return nil, fmt.Errorf("unmarshal per_destination: %w", err)
	}
	return study, nil
}
