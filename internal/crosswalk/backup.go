package crosswalk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
)

// BackupReason names why a snapshot was taken, carried in its metadata.
type BackupReason string

const (
	ReasonStartup     BackupReason = "startup"
	ReasonScheduled   BackupReason = "scheduled"
	ReasonManual      BackupReason = "manual"
	ReasonPreRestore  BackupReason = "pre-restore"
)

// Snapshot describes one backup file written under backups/.
type Snapshot struct {
	Path         string
	Reason       BackupReason
	TakenAt      time.Time
	MappingCount int
	LogCount     int
	SizeBytes    int64
}

// BackupPolicy bounds snapshot retention.
type BackupPolicy struct {
	MaxBackups    int // default 10
	RetentionDays int // default 30
}

// DefaultBackupPolicy returns the spec's documented defaults.
func DefaultBackupPolicy() BackupPolicy {
	return BackupPolicy{MaxBackups: 10, RetentionDays: 30}
}

// BackupManager takes consistent snapshots of a crosswalk Store's SQLite
// file on startup, daily at local midnight, and on demand; it also performs
// atomic restores. The daily job is scheduled with robfig/cron.
type BackupManager struct {
	store      *Store
	backupDir  string
	policy     BackupPolicy
	logger     *zap.SugaredLogger
	cron       *cron.Cron
}

// NewBackupManager constructs a manager rooted at backupDir (typically
// "{base}/{AE}/crosswalk/backups").
func NewBackupManager(store *Store, backupDir string, policy BackupPolicy, logger *zap.SugaredLogger) *BackupManager {
	return &BackupManager{
		store:     store,
		backupDir: backupDir,
		policy:    policy,
		logger:    logger,
		cron:      cron.New(cron.WithLocation(time.Local)),
	}
}

// Start takes the startup snapshot and schedules the daily-midnight job.
func (b *BackupManager) Start(ctx context.Context) error {
	if _, err := b.Snapshot(ctx, ReasonStartup); err != nil {
		return err
	}
	if _, err := b.cron.AddFunc("0 0 * * *", func() {
		if _, err := b.Snapshot(context.Background(), ReasonScheduled); err != nil {
			b.logger.Errorw("scheduled crosswalk backup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling crosswalk backup: %w", err)
	}
	b.cron.Start()
	return nil
}

// Stop halts the scheduler, letting any in-flight job finish.
func (b *BackupManager) Stop() {
	stopCtx := b.cron.Stop()
	<-stopCtx.Done()
}

// Snapshot forces a WAL checkpoint so the on-disk file is self-consistent,
// then copies it to a timestamped backup file, and prunes old backups.
func (b *BackupManager) Snapshot(ctx context.Context, reason BackupReason) (Snapshot, error) {
	if err := os.MkdirAll(b.backupDir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("creating backup dir: %w", err)
	}

	if _, err := b.store.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return Snapshot{}, fmt.Errorf("checkpointing wal before backup: %w", err)
	}

	name := fmt.Sprintf("crosswalk_%s.db", entity.Now().Format("20060102_150405"))
	dest := filepath.Join(b.backupDir, name)

	size, err := copyFile(b.store.Path(), dest)
	if err != nil {
		return Snapshot{}, fmt.Errorf("copying crosswalk snapshot: %w", err)
	}

	mappingCount, err := b.store.TotalMappingCount(ctx)
	if err != nil {
		mappingCount = 0 // best-effort metadata; a count failure must not fail the backup itself
	}
	logCount, _ := b.store.LogCount(ctx)

	snap := Snapshot{
		Path:         dest,
		Reason:       reason,
		TakenAt:      entity.Now(),
		MappingCount: mappingCount,
		LogCount:     logCount,
		SizeBytes:    size,
	}

	if err := b.prune(ctx); err != nil {
		b.logger.Warnw("backup retention prune failed", "error", err)
	}

	return snap, nil
}

// Restore replaces the live store with the contents of backupPath,
// atomically: it first takes a pre-restore backup, closes the current
// handle, swaps the file, and reopens.
func (b *BackupManager) Restore(ctx context.Context, backupPath string) (*Store, error) {
	livePath := b.store.Path()

	// Stage the restore source first: the pre-restore snapshot can get the
	// same second-resolution name as backupPath and would overwrite it.
	tmp := livePath + ".restoring"
	if _, err := copyFile(backupPath, tmp); err != nil {
		return nil, fmt.Errorf("staging restore file: %w", err)
	}

	if _, err := b.Snapshot(ctx, ReasonPreRestore); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}

	if err := b.store.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("closing live store before restore: %w", err)
	}

	if err := os.Rename(tmp, livePath); err != nil {
		return nil, fmt.Errorf("swapping restored file into place: %w", err)
	}

	reopened, err := Open(livePath)
	if err != nil {
		return nil, fmt.Errorf("reopening store after restore: %w", err)
	}
	b.store = reopened
	return reopened, nil
}

// prune keeps at most MaxBackups files, deletes anything older than
// RetentionDays, but always keeps at least one backup regardless of age.
func (b *BackupManager) prune(ctx context.Context) error {
	entries, err := os.ReadDir(b.backupDir)
	if err != nil {
		return err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crosswalk_") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files) // timestamped names sort chronologically

	cutoff := entity.Now().AddDate(0, 0, -b.policy.RetentionDays)
	var toDelete []string
	for i, name := range files {
		keepByCount := len(files)-i <= b.policy.MaxBackups
		takenAt, ok := parseBackupTime(name)
		keepByAge := !ok || takenAt.After(cutoff)
		if !keepByCount || !keepByAge {
			toDelete = append(toDelete, name)
		}
	}
	// Always keep at least one backup, even if every one is past retention.
	if len(toDelete) == len(files) && len(files) > 0 {
		toDelete = toDelete[:len(toDelete)-1]
	}

	for _, name := range toDelete {
		if err := os.Remove(filepath.Join(b.backupDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func parseBackupTime(name string) (time.Time, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "crosswalk_"), ".db")
	t, err := time.Parse("20060102_150405", trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}
	return n, nil
}
