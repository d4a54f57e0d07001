package receiver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/metrics"
)

const sweepInterval = 5 * time.Second

// Watcher implements §4.G's separate quiet-period detector over one
// listener's inbox: an fsnotify watch on the study/series directory tree,
// a lastActivity map, and a periodic sweep that emits StudyReady once a
// study has gone quiet for route.QuietPeriod.
type Watcher struct {
	route   entity.Route
	baseDir string
	logger  *zap.SugaredLogger
	metrics *metrics.Registry
	onReady func(entity.StudyReadyEvent)

	fsWatcher *fsnotify.Watcher

	mu           sync.Mutex
	lastActivity map[entity.StudyUID]time.Time
	callingAE    map[entity.StudyUID]entity.AETitle
	completed    map[entity.StudyUID]bool
}

// NewWatcher constructs a Watcher over {baseDir}/{route.AETitle}/incoming,
// seeding lastActivity from any study directories already present (e.g.
// after a restart) per §4.G's "on startup, existing study directories are
// re-scanned" rule.
func NewWatcher(route entity.Route, baseDir string, logger *zap.SugaredLogger, reg *metrics.Registry, onReady func(entity.StudyReadyEvent)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		route:        route,
		baseDir:      baseDir,
		logger:       logger,
		metrics:      reg,
		onReady:      onReady,
		fsWatcher:    fw,
		lastActivity: make(map[entity.StudyUID]time.Time),
		callingAE:    make(map[entity.StudyUID]entity.AETitle),
		completed:    make(map[entity.StudyUID]bool),
	}
	if err := w.seed(); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) incomingDir() string {
	return filepath.Join(w.baseDir, string(w.route.AETitle), "incoming")
}

func (w *Watcher) seed() error {
	incoming := w.incomingDir()
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return err
	}
	if err := w.fsWatcher.Add(incoming); err != nil {
		return err
	}

	entries, err := os.ReadDir(incoming)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".staging" {
			continue
		}
		studyDir := filepath.Join(incoming, e.Name())
		w.fsWatcher.Add(studyDir)

		newest := newestModTime(studyDir)
		w.mu.Lock()
		w.lastActivity[e.Name()] = newest
		w.mu.Unlock()

		seriesEntries, err := os.ReadDir(studyDir)
		if err != nil {
			continue
		}
		for _, se := range seriesEntries {
			if se.IsDir() {
				w.fsWatcher.Add(filepath.Join(studyDir, se.Name()))
			}
		}
	}
	return nil
}

// Touch records fresh activity for studyUID, called by the Listener after
// every successfully stored instance. It does not by itself reopen a
// study already marked completed — per §4.G, reopening requires an
// explicit ResetStudy call.
func (w *Watcher) Touch(studyUID entity.StudyUID, callingAE entity.AETitle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity[studyUID] = entity.Now()
	if callingAE != "" {
		w.callingAE[studyUID] = callingAE
	}

	studyDir := filepath.Join(w.incomingDir(), sanitize(studyUID))
	w.fsWatcher.Add(studyDir)
}

// ResetStudy clears studyUID's completed flag, allowing a future quiet
// period to emit another StudyReady for it.
func (w *Watcher) ResetStudy(studyUID entity.StudyUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.completed, studyUID)
}

// Run drives the fsnotify event loop and the periodic sweep until ctx is
// done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer w.fsWatcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Errorw("watcher error", "route", w.route.AETitle, "error", err)
			}
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	incoming := w.incomingDir()
	rel, err := filepath.Rel(incoming, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	studyUID := parts[0]
	if studyUID == ".staging" || studyUID == "" {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.fsWatcher.Add(ev.Name)
		}
	}

	w.mu.Lock()
	w.lastActivity[studyUID] = entity.Now()
	w.mu.Unlock()
}

func (w *Watcher) sweep() {
	w.mu.Lock()
	now := entity.Now()
	var ready []entity.StudyUID
	for studyUID, last := range w.lastActivity {
		if w.completed[studyUID] {
			continue
		}
		if now.Sub(last) >= w.route.QuietPeriod {
			ready = append(ready, studyUID)
			w.completed[studyUID] = true
		}
	}
	w.mu.Unlock()

	for _, studyUID := range ready {
		w.emitReady(studyUID)
	}
}

func (w *Watcher) emitReady(studyUID entity.StudyUID) {
	studyDir := filepath.Join(w.incomingDir(), sanitize(studyUID))
	fileCount, totalBytes, err := walkCount(studyDir)
	if err != nil {
		if w.logger != nil {
			w.logger.Errorw("failed to walk study directory", "study_uid", studyUID, "error", err)
		}
		return
	}

	w.mu.Lock()
	callingAE := w.callingAE[studyUID]
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordStudyReceived(string(w.route.AETitle))
	}
	if w.onReady != nil {
		w.onReady(entity.StudyReadyEvent{
			ListenerAE: w.route.AETitle,
			StudyUID:   studyUID,
			Path:       studyDir,
			FileCount:  fileCount,
			Bytes:      totalBytes,
			CallingAE:  callingAE,
		})
	}
}

func newestModTime(dir string) time.Time {
	var newest time.Time
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if newest.IsZero() {
		return entity.Now()
	}
	return newest
}

func walkCount(dir string) (int, int64, error) {
	var count int
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		count++
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return count, total, nil
}
