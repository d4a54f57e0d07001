// Package forward implements the per-route forward orchestrator (§4.J): a
// fixed worker pool draining an unbounded job queue, rate-limit admission
// with exponential-backoff retry, the per-study pipeline (validate/filter/
// select, tag rewrite, anonymize/broker substitution, per-destination
// delivery with bounded fixed-delay retry), and the terminal transfer
// state machine.
package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/archive"
	"github.com/dicomgw/gateway/internal/broker"
	"github.com/dicomgw/gateway/internal/deident"
	"github.com/dicomgw/gateway/internal/destination"
	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/gwlog"
	"github.com/dicomgw/gateway/internal/imagingproto"
	"github.com/dicomgw/gateway/internal/metrics"
	"github.com/dicomgw/gateway/internal/repository"
	"github.com/dicomgw/gateway/internal/routing"
	"github.com/dicomgw/gateway/internal/script"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// Deps bundles an Orchestrator's collaborators, shared across every route
// except for the route-specific Route value itself.
type Deps struct {
	Codec         imagingproto.Codec
	Destinations  *destination.Manager
	Deidentifier  *deident.Executor
	Brokers       map[string]*broker.Broker
	Archiver      *archive.Manager
	Scripts       map[string]*script.Script
	Retry         *RetryScheduler
	Logger        *zap.SugaredLogger
	Metrics       *metrics.Registry
	ProcessingDir string // base dir for a route's {AE}/processing working copies
	TransferRepo  repository.TransferRepository // optional: durable mirror of in-memory records
}

// Orchestrator owns one route's worker pool, queue, rate limiter, and
// in-flight transfer records.
type Orchestrator struct {
	route entity.Route
	deps  Deps

	limiter *SlidingWindowLimiter
	queue   *jobQueue

	mu      sync.Mutex
	records map[string]*entity.TransferRecord
	edgeCfg map[string]map[string]entity.DestinationEdge // transferID -> destName -> edge config
	studyDirs map[string]string                           // transferID -> archived study dir

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs an Orchestrator for one route. Call Start to spin up its
// worker pool.
func New(route entity.Route, deps Deps) *Orchestrator {
	return &Orchestrator{
		route:     route,
		deps:      deps,
		limiter:   NewSlidingWindowLimiter(route.RateLimitPerMinute),
		queue:     newJobQueue(),
		records:   make(map[string]*entity.TransferRecord),
		edgeCfg:   make(map[string]map[string]entity.DestinationEdge),
		studyDirs: make(map[string]string),
	}
}

// Start launches the route's fixed worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stop = make(chan struct{})
	workers := o.route.WorkerThreads
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx)
	}
}

// Stop closes the queue and waits for every worker to drain.
func (o *Orchestrator) Stop() {
	if o.stop != nil {
		close(o.stop)
	}
	o.queue.close()
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		j, ok := o.queue.pop(ctx)
		if !ok {
			return
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.SetQueueDepth(string(o.route.AETitle), o.queue.depth())
		}
		o.process(ctx, j.event)
	}
}

// Submit admits a completed study into the route's pipeline, or schedules
// an admission retry if the rate limiter denies it. This is the entry
// point the quiet-period watcher calls.
func (o *Orchestrator) Submit(ctx context.Context, ev entity.StudyReadyEvent) {
	if o.limiter.Allow() {
		o.queue.push(job{event: ev})
		return
	}
	o.scheduleAdmissionRetry(ctx, ev, 0)
}

func (o *Orchestrator) scheduleAdmissionRetry(ctx context.Context, ev entity.StudyReadyEvent, attempt int) {
	delay := admissionBackoffDelay(attempt)
	payload := AdmissionRetryPayload{RouteName: string(o.route.AETitle), Event: ev, Attempt: attempt + 1}
	if o.deps.Retry == nil {
		// No shared retry scheduler configured (e.g. under test): fall back
		// to an in-process timer rather than dropping the study.
		time.AfterFunc(delay, func() { o.handleAdmissionRetry(payload) })
		return
	}
	if err := o.deps.Retry.EnqueueAdmissionRetry(ctx, payload, delay); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Errorw("failed to enqueue admission retry", "route", o.route.AETitle, "error", err)
	}
}

func (o *Orchestrator) handleAdmissionRetry(p AdmissionRetryPayload) {
	if o.limiter.Allow() {
		o.queue.push(job{event: p.Event, attempt: p.Attempt})
		return
	}
	o.scheduleAdmissionRetry(context.Background(), p.Event, p.Attempt)
}

// process runs one study through the full forward pipeline (steps 1-8 of
// §4.J). Failures are recorded on the TransferRecord and logged rather
// than returned: once a job is dequeued there is no caller left to receive
// an error.
func (o *Orchestrator) process(ctx context.Context, ev entity.StudyReadyEvent) {
	logger := gwlog.FromContext(gwlog.WithStudyUID(ctx, string(ev.StudyUID)), o.deps.Logger)

	record := &entity.TransferRecord{
		ID:             uuid.NewString(),
		RouteName:      o.route.AETitle,
		StudyUID:       ev.StudyUID,
		CallingPeer:    ev.CallingAE,
		FileCount:      ev.FileCount,
		Bytes:          ev.Bytes,
		State:          entity.TransferPending,
		PerDestination: make(map[string]*entity.DestinationOutcome),
		CreatedAt:      entity.Now(),
		UpdatedAt:      entity.Now(),
	}
	o.putRecord(record)

	attrs, err := o.representativeAttributes(ev.Path)
	if err != nil {
		logger.Errorw("failed to read representative attributes", "error", err)
		o.finalize(record)
		return
	}

	if _, err := routing.Validate(o.route.ValidationRules, attrs); err != nil {
		logger.Warnw("study rejected by validation", "error", err)
		o.finalize(record)
		return
	}
	if !routing.Filter(o.route.FilterRules, attrs) {
		logger.Infow("study filtered out")
		o.finalize(record)
		return
	}
	edges := routing.SelectDestinations(o.route.RoutingRules, o.route.Destinations, attrs)

	processingDir := filepath.Join(o.deps.ProcessingDir, string(o.route.AETitle), "processing", archive.SanitizeStudyUID(string(ev.StudyUID)))
	if err := o.prepareProcessingDir(processingDir, ev.Path); err != nil {
		logger.Errorw("failed to prepare processing directory", "error", err)
		o.finalize(record)
		return
	}
	defer os.RemoveAll(processingDir)

	if err := routing.Rewrite(o.route.TagModifications, attrs); err != nil {
		logger.Warnw("tag rewrite failed", "error", err)
	}

	studyDir, _, err := o.deps.Archiver.ArchiveOriginal(string(ev.StudyUID), string(o.route.AETitle), string(ev.CallingAE), processingDir)
	if err != nil {
		logger.Errorw("failed to archive original", "error", err)
	}
	o.mu.Lock()
	o.studyDirs[record.ID] = studyDir
	o.mu.Unlock()

	record.State = entity.TransferProcessing
	record.UpdatedAt = entity.Now()
	o.saveEdgeConfigs(record.ID, edges)

	record.State = entity.TransferForwarding
	record.UpdatedAt = entity.Now()

	var wg sync.WaitGroup
	for _, edge := range edges {
		edge := edge
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.deliverEdge(ctx, record, studyDir, processingDir, attrs, edge, 0)
		}()
	}
	wg.Wait()

	o.finalize(record)
}

// representativeAttributes decodes the first regular file under dir for
// routing decisions, per §4.H's "read representative attributes" step.
func (o *Orchestrator) representativeAttributes(dir string) (*tagmodel.AttributeSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		decoded, err := o.deps.Codec.DecodeFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		return decoded.Attributes, nil
	}
	return nil, fmt.Errorf("no files found under %s", dir)
}

func (o *Orchestrator) prepareProcessingDir(dst, src string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) putRecord(r *entity.TransferRecord) {
	o.mu.Lock()
	o.records[r.ID] = r
	o.mu.Unlock()

	if o.deps.TransferRepo != nil {
		if err := o.deps.TransferRepo.Create(context.Background(), r); err != nil && o.deps.Logger != nil {
			o.deps.Logger.Errorw("failed to persist transfer record", "transfer_id", r.ID, "error", err)
		}
	}
}

// persistRecord mirrors a TransferRecord's current state into the optional
// durable repository. Best-effort: a failure here is logged but never
// blocks the in-memory pipeline, which remains the source of truth for a
// still-running process.
func (o *Orchestrator) persistRecord(r *entity.TransferRecord) {
	if o.deps.TransferRepo == nil {
		return
	}
	if err := o.deps.TransferRepo.Update(context.Background(), r); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Errorw("failed to update persisted transfer record", "transfer_id", r.ID, "error", err)
	}
}

func (o *Orchestrator) record(transferID string) (*entity.TransferRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[transferID]
	return r, ok
}

func (o *Orchestrator) saveEdgeConfigs(transferID string, edges []entity.DestinationEdge) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := make(map[string]entity.DestinationEdge, len(edges))
	for _, e := range edges {
		m[e.DestinationName] = e
	}
	o.edgeCfg[transferID] = m
}

func (o *Orchestrator) edgeConfig(transferID, destName string) (entity.DestinationEdge, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.edgeCfg[transferID]
	if !ok {
		return entity.DestinationEdge{}, false
	}
	e, ok := m[destName]
	return e, ok
}

// finalize recomputes the TransferRecord's aggregate state per §4.J. It is
// called once after the initial delivery attempt across every edge
// settles, and again each time a scheduled edge retry resolves. Only once
// no edge remains retry_pending is the state truly terminal; bookkeeping is
// dropped once that point is reached.
func (o *Orchestrator) finalize(record *entity.TransferRecord) {
	o.mu.Lock()
	successCount, pending := 0, 0
	total := len(record.PerDestination)
	for _, outcome := range record.PerDestination {
		switch outcome.State {
		case entity.EdgeSuccess:
			successCount++
		case entity.EdgeRetryPending:
			pending++
		}
	}
	settled := pending == 0
	if settled {
		delete(o.edgeCfg, record.ID)
		delete(o.studyDirs, record.ID)
	}
	o.mu.Unlock()

	if !settled {
		return
	}

	switch {
	case total == 0:
		record.State = entity.TransferFailed
	case successCount == total:
		record.State = entity.TransferCompleted
	case successCount > 0:
		record.State = entity.TransferPartial
	default:
		record.State = entity.TransferFailed
	}
	record.UpdatedAt = entity.Now()

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRoutingDecision(string(o.route.AETitle), string(record.State))
	}
	o.persistRecord(record)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
