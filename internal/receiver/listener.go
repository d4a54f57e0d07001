// Package receiver implements the SCP listener and quiet-period watcher of
// §4.G: per-instance atomic storage under a listener's inbox, CSV audit
// logging, and a separate fsnotify-driven sweep that detects when a study
// has gone quiet long enough to forward.
package receiver

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/imagingproto"
	"github.com/dicomgw/gateway/internal/metrics"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9.-]`)

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return sanitizeRe.ReplaceAllString(s, "_")
}

// ActivityTracker is the narrow interface a Listener needs into a Watcher,
// letting it report fresh activity without depending on the Watcher's full
// sweep/reopen machinery.
type ActivityTracker interface {
	Touch(studyUID entity.StudyUID, callingAE entity.AETitle)
}

// Listener owns one route's inbox: decoding, UID derivation, atomic
// storage, and CSV audit logging, per §4.G steps 1-4.
type Listener struct {
	route     entity.Route
	transport Transport
	codec     imagingproto.Codec
	baseDir   string
	logger    *zap.SugaredLogger
	metrics   *metrics.Registry
	tracker   ActivityTracker

	auditMu sync.Mutex
	auditW  *csv.Writer
	auditF  *os.File
}

var auditHeader = []string{"timestamp", "callingAE", "patientID", "studyUID", "seriesUID", "sopUID", "modality", "bytes"}

// NewListener constructs a Listener rooted at {baseDir}/{route.AETitle},
// opening (or creating) its CSV audit log.
func NewListener(route entity.Route, transport Transport, codec imagingproto.Codec, baseDir string, logger *zap.SugaredLogger, reg *metrics.Registry, tracker ActivityTracker) (*Listener, error) {
	aeDir := filepath.Join(baseDir, string(route.AETitle))
	if err := os.MkdirAll(filepath.Join(aeDir, "incoming"), 0o755); err != nil {
		return nil, fmt.Errorf("creating incoming directory: %w", err)
	}

	auditPath := filepath.Join(aeDir, "audit.csv")
	writeHeader := true
	if info, err := os.Stat(auditPath); err == nil && info.Size() > 0 {
		writeHeader = false
	}
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(auditHeader); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
	}

	return &Listener{
		route:     route,
		transport: transport,
		codec:     codec,
		baseDir:   baseDir,
		logger:    logger,
		metrics:   reg,
		tracker:   tracker,
		auditF:    f,
		auditW:    w,
	}, nil
}

// Start runs the listener's accept loop until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	return l.transport.Serve(ctx, l.route.AETitle, l.route.Port, l.storeInstance)
}

// Close flushes and closes the audit log.
func (l *Listener) Close() error {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	l.auditW.Flush()
	return l.auditF.Close()
}

// storeInstance implements §4.G steps 2-4: write-fsync-rename into
// {base}/{AE}/incoming/{StudyUID}/{SeriesUID}/{SOPInstanceUID}.dcm, then
// audit. Association-level errors propagate to the caller; this method
// never tears down the association itself.
func (l *Listener) storeInstance(ctx context.Context, raw []byte, callingAE entity.AETitle) error {
	aeDir := filepath.Join(l.baseDir, string(l.route.AETitle))
	incoming := filepath.Join(aeDir, "incoming")

	tmp, err := l.writeStaged(incoming, raw)
	if err != nil {
		return fmt.Errorf("staging instance: %w", err)
	}

	decoded, err := l.codec.DecodeHeader(tmp)
	if err != nil {
		os.Remove(tmp)
		if l.logger != nil {
			l.logger.Errorw("failed to decode received instance", "calling_ae", callingAE, "error", err)
		}
		return fmt.Errorf("decoding instance: %w", err)
	}
	attrs := decoded.Attributes

	studyUID := attrs.Value(tagmodel.StudyInstanceUID)
	if studyUID == "" {
		studyUID = entity.UnknownStudy
	}
	seriesUID := attrs.Value(tagmodel.SeriesInstanceUID)
	if seriesUID == "" {
		seriesUID = entity.UnknownSeries
	}
	sopUID := attrs.Value(tagmodel.SOPInstanceUID)
	if sopUID == "" {
		sopUID = uuid.NewString()
	}

	seriesDir := filepath.Join(incoming, sanitize(studyUID), sanitize(seriesUID))
	if err := os.MkdirAll(seriesDir, 0o755); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("creating series directory: %w", err)
	}
	final := filepath.Join(seriesDir, sanitize(sopUID)+".dcm")
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming staged instance: %w", err)
	}
	if dir, err := os.Open(seriesDir); err == nil {
		dir.Sync()
		dir.Close()
	}

	info, _ := os.Stat(final)
	var size int64
	if info != nil {
		size = info.Size()
	}

	l.audit(callingAE, attrs.Value(tagmodel.PatientID), studyUID, seriesUID, sopUID, attrs.Value(tagmodel.Modality), size)

	if l.metrics != nil {
		l.metrics.RecordInstanceReceived(string(l.route.AETitle))
	}
	if l.tracker != nil {
		l.tracker.Touch(studyUID, callingAE)
	}
	return nil
}

// writeStaged writes raw into a temp file under incoming/.staging, fsyncs
// it, and returns its path for the caller to decode and rename.
func (l *Listener) writeStaged(incoming string, raw []byte) (string, error) {
	staging := filepath.Join(incoming, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(staging, "instance-*.dcm.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (l *Listener) audit(callingAE entity.AETitle, patientID, studyUID, seriesUID, sopUID, modality string, bytes int64) {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	_ = l.auditW.Write([]string{
		entity.Now().Format("2006-01-02T15:04:05.000Z"),
		string(callingAE),
		patientID,
		studyUID,
		seriesUID,
		sopUID,
		modality,
		fmt.Sprintf("%d", bytes),
	})
	l.auditW.Flush()
}
