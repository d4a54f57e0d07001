// Package repository defines the gateway's persistence interfaces: durable
// storage for in-flight TransferRecords and for the archive manager's
// ArchivedStudy index.
package repository

import (
	"context"

	"github.com/dicomgw/gateway/internal/entity"
)

// Database provides access to the gateway's repositories and connection
// lifecycle.
type Database interface {
	TransferRepository() TransferRepository
	ArchivedStudyRepository() ArchivedStudyRepository

	Close() error
	Health(ctx context.Context) error
}

// TransferRepository persists TransferRecord state across the pipeline of
// §3, so an orchestrator restart can recover in-flight transfers instead of
// losing them to an in-memory map.
type TransferRepository interface {
	Create(ctx context.Context, rec *entity.TransferRecord) error
	Update(ctx context.Context, rec *entity.TransferRecord) error
	GetByID(ctx context.Context, id string) (*entity.TransferRecord, error)
	GetByState(ctx context.Context, state entity.TransferState) ([]*entity.TransferRecord, error)
	ListByRoute(ctx context.Context, routeName entity.AETitle, limit int) ([]*entity.TransferRecord, error)
}

// ArchivedStudyRepository persists the archive manager's §4.K index of
// archived studies, independent of the archive's on-disk snapshot files.
type ArchivedStudyRepository interface {
	Create(ctx context.Context, study *entity.ArchivedStudy) error
	GetByStudyUID(ctx context.Context, routeName entity.AETitle, studyUID entity.StudyUID) (*entity.ArchivedStudy, error)
	ListByRoute(ctx context.Context, routeName entity.AETitle, limit int) ([]*entity.ArchivedStudy, error)
}

// NotFoundError represents a record not found error
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

// Error implements the error interface for NotFoundError
func (e *NotFoundError) Error() string {
	return "not found: " + e.ResourceType + " " + e.ResourceID
}

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
