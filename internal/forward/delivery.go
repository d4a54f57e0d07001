package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomgw/gateway/internal/broker"
	"github.com/dicomgw/gateway/internal/deident"
	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/script"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// deliverEdge runs one destination edge's delivery per §4.J step 6: optional
// anonymization, optional broker substitution, a health check, the client
// send, and on failure a bounded fixed-delay retry.
func (o *Orchestrator) deliverEdge(ctx context.Context, record *entity.TransferRecord, studyDir, processingDir string, attrs *tagmodel.AttributeSet, edge entity.DestinationEdge, attempt int) {
	outcome := &entity.DestinationOutcome{Name: edge.DestinationName, State: entity.EdgeProcessing, Attempts: attempt + 1}
	o.setOutcome(record, outcome)

	start := entity.Now()
	uploadDir, cleanup, err := o.prepareUploadDir(processingDir, edge)
	if err != nil {
		o.failEdge(record, studyDir, outcome, fmt.Errorf("preparing upload directory: %w", err), edge, attempt)
		return
	}
	defer cleanup()

	if !o.deps.Destinations.IsAvailable(edge.DestinationName) {
		o.failEdge(record, studyDir, outcome, entity.NewGatewayError(entity.KindDestinationUnavail, "destination unavailable", nil), edge, attempt)
		return
	}
	client, ok := o.deps.Destinations.Client(edge.DestinationName)
	if !ok {
		o.failEdge(record, studyDir, outcome, fmt.Errorf("unknown destination %q", edge.DestinationName), edge, attempt)
		return
	}

	sendAttrs := attrsToMap(attrs, edge)
	n, err := client.Send(ctx, uploadDir, sendAttrs)
	outcome.Duration = entity.Now().Sub(start)
	outcome.LastAttempt = entity.Now()
	if err != nil {
		o.failEdge(record, studyDir, outcome, err, edge, attempt)
		return
	}

	outcome.State = entity.EdgeSuccess
	outcome.FilesTransferred = n
	outcome.Error = ""
	o.setOutcome(record, outcome)
	o.writeDestinationStatus(studyDir, outcome)

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordDelivery(edge.DestinationName, "success", outcome.Duration.Seconds())
	}
}

// failEdge records a failed attempt and, if the edge still has retries
// available, schedules one after edge.RetryDelay; otherwise the edge is
// terminally failed.
func (o *Orchestrator) failEdge(record *entity.TransferRecord, studyDir string, outcome *entity.DestinationOutcome, cause error, edge entity.DestinationEdge, attempt int) {
	outcome.Error = cause.Error()
	outcome.LastAttempt = entity.Now()

	if attempt < edge.RetryCount {
		outcome.State = entity.EdgeRetryPending
		outcome.NextRetry = entity.Now().Add(edge.RetryDelay)
		o.setOutcome(record, outcome)
		o.scheduleEdgeRetry(record, studyDir, edge, attempt+1)
	} else {
		outcome.State = entity.EdgeFailed
		o.setOutcome(record, outcome)
		o.writeDestinationStatus(studyDir, outcome)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordDelivery(edge.DestinationName, "failure", outcome.Duration.Seconds())
	}
	if o.deps.Logger != nil {
		o.deps.Logger.Warnw("destination delivery failed", "destination", edge.DestinationName, "study_uid", record.StudyUID, "error", cause, "attempt", attempt)
	}
}

func (o *Orchestrator) scheduleEdgeRetry(record *entity.TransferRecord, studyDir string, edge entity.DestinationEdge, attempt int) {
	payload := EdgeRetryPayload{
		RouteName:       string(o.route.AETitle),
		TransferID:      record.ID,
		StudyDir:        studyDir,
		DestinationName: edge.DestinationName,
		Attempt:         attempt,
	}
	if o.deps.Retry == nil {
		time.AfterFunc(edge.RetryDelay, func() { _ = o.handleEdgeRetry(context.Background(), payload) })
		return
	}
	if err := o.deps.Retry.EnqueueEdgeRetry(context.Background(), payload, edge.RetryDelay); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Errorw("failed to enqueue edge retry", "destination", edge.DestinationName, "error", err)
	}
}

// handleEdgeRetry re-attempts one destination edge from its archived
// original snapshot, called either by the shared Asynq mux or the
// in-process fallback timer.
func (o *Orchestrator) handleEdgeRetry(ctx context.Context, p EdgeRetryPayload) error {
	record, ok := o.record(p.TransferID)
	if !ok {
		return fmt.Errorf("transfer %s no longer tracked", p.TransferID)
	}
	edge, ok := o.edgeConfig(p.TransferID, p.DestinationName)
	if !ok {
		return fmt.Errorf("destination %s not configured for transfer %s", p.DestinationName, p.TransferID)
	}

	originalDir := filepath.Join(p.StudyDir, "original")
	attrs, err := o.representativeAttributes(originalDir)
	if err != nil {
		return err
	}

	o.deliverEdge(ctx, record, p.StudyDir, originalDir, attrs, edge, p.Attempt)
	o.finalize(record)
	return nil
}

// attrsToMap renders the study-identifying attributes a destination client
// needs for pattern expansion (filesystem) or metadata query params
// (archive-api), per §4.I.
func attrsToMap(attrs *tagmodel.AttributeSet, edge entity.DestinationEdge) map[string]string {
	m := map[string]string{
		"PatientID":         attrs.Value(tagmodel.PatientID),
		"PatientName":       attrs.Value(tagmodel.PatientName),
		"StudyDate":         attrs.Value(tagmodel.StudyDate),
		"StudyTime":         attrs.Value(tagmodel.StudyTime),
		"StudyInstanceUID":  attrs.Value(tagmodel.StudyInstanceUID),
		"AccessionNumber":   attrs.Value(tagmodel.AccessionNumber),
		"Modality":          attrs.Value(tagmodel.Modality),
	}
	if edge.ProjectID != "" {
		m["ProjectID"] = edge.ProjectID
	}
	if edge.SubjectPrefix != "" {
		m["SubjectPrefix"] = edge.SubjectPrefix
	}
	if edge.SessionPrefix != "" {
		m["SessionPrefix"] = edge.SessionPrefix
	}
	return m
}

func (o *Orchestrator) setOutcome(record *entity.TransferRecord, outcome *entity.DestinationOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	record.PerDestination[outcome.Name] = outcome
	record.UpdatedAt = entity.Now()
}

func (o *Orchestrator) writeDestinationStatus(studyDir string, outcome *entity.DestinationOutcome) {
	if studyDir == "" || o.deps.Archiver == nil {
		return
	}
	if err := o.deps.Archiver.WriteDestinationStatus(studyDir, outcome.Name, outcome); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Errorw("failed to write destination status", "destination", outcome.Name, "error", err)
	}
}

// prepareUploadDir resolves the directory a destination edge should upload
// from: the processing directory verbatim, an anonymized sibling directory
// (if edge.Anonymize), or a broker-substituted sibling directory (if
// edge.UseBroker) — per §4.J step 6's "invoke §4.E into a sibling
// directory" / "resolve patient id through §4.C" alternatives. cleanup
// removes any sibling directory this call created.
func (o *Orchestrator) prepareUploadDir(processingDir string, edge entity.DestinationEdge) (string, func(), error) {
	noop := func() {}

	switch {
	case edge.Anonymize:
		sc, ok := o.deps.Scripts[edge.ScriptName]
		if !ok {
			return "", noop, fmt.Errorf("unknown anonymization script %q", edge.ScriptName)
		}
		dir, err := o.anonymizeDir(processingDir, sc, edge)
		if err != nil {
			return "", noop, err
		}
		return dir, func() { os.RemoveAll(dir) }, nil

	case edge.UseBroker:
		br, ok := o.deps.Brokers[edge.BrokerName]
		if !ok {
			return "", noop, fmt.Errorf("unknown broker %q", edge.BrokerName)
		}
		dir, err := o.substituteViaBroker(processingDir, br, edge)
		if err != nil {
			return "", noop, err
		}
		return dir, func() { os.RemoveAll(dir) }, nil

	default:
		return processingDir, noop, nil
	}
}

// anonymizeDir runs the de-id executor over every file in srcDir into a
// fresh sibling directory, per §4.E.
func (o *Orchestrator) anonymizeDir(srcDir string, sc *script.Script, edge entity.DestinationEdge) (string, error) {
	dstDir := srcDir + "-anon-" + edge.DestinationName
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", err
	}

	opts := deident.Options{
		Salt:   edge.BrokerName,
		Hasher: script.DefaultUIDHasher,
		Checks: deident.DefaultChecks(),
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		in := filepath.Join(srcDir, e.Name())
		out := filepath.Join(dstDir, e.Name())
		if _, err := o.deps.Deidentifier.Execute(sc, in, out, opts); err != nil {
			return "", err
		}
	}
	return dstDir, nil
}

// substituteViaBroker resolves the study's patient identity and date shift
// through the honest broker, then runs that substitution through the same
// de-id executor machinery as a dynamically-built one-patient script — the
// "pre-verified anonymization that references the broker" alternative named
// in §4.J step 6. Only PatientID/PatientName and the three date-shift tags
// are touched; UID hashing remains the anonymization script's concern.
func (o *Orchestrator) substituteViaBroker(srcDir string, br *broker.Broker, edge entity.DestinationEdge) (string, error) {
	ctx := context.Background()

	attrs, err := o.representativeAttributes(srcDir)
	if err != nil {
		return "", err
	}
	patientID := attrs.Value(tagmodel.PatientID)
	if patientID == "" {
		return "", fmt.Errorf("study has no PatientID to pseudonymize")
	}

	pseudonym, err := br.Pseudonymize(ctx, patientID, "patientId")
	if err != nil {
		return "", fmt.Errorf("resolving broker pseudonym: %w", err)
	}
	shiftDays, err := br.DateShift(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("resolving broker date shift: %w", err)
	}

	sc, err := script.Parse("broker:"+edge.BrokerName, brokerScriptText(pseudonym, shiftDays))
	if err != nil {
		return "", fmt.Errorf("building broker substitution script: %w", err)
	}

	dstDir := srcDir + "-broker-" + edge.DestinationName
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", err
	}

	opts := deident.Options{
		ExpectedShiftDays: shiftDays,
		Checks:            deident.Checks{PatientIDModified: true, DateShiftCorrectness: true},
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		in := filepath.Join(srcDir, e.Name())
		out := filepath.Join(dstDir, e.Name())
		if _, err := o.deps.Deidentifier.Execute(sc, in, out, opts); err != nil {
			return "", err
		}
	}
	return dstDir, nil
}

// brokerScriptText builds a single-patient substitution script: PatientID and
// PatientName replaced with the broker pseudonym, and the three date-shift
// tags shifted by the patient's persisted broker-allocated shift.
func brokerScriptText(pseudonym string, shiftDays int) string {
	return fmt.Sprintf(
		"(0010,0010) := %q\n"+
			"(0010,0020) := %q\n"+
			"(0010,0030) := shiftDateTimeByIncrement[(0010,0030), \"%d\", \"days\"]\n"+
			"(0008,0020) := shiftDateTimeByIncrement[(0008,0020), \"%d\", \"days\"]\n"+
			"(0008,0021) := shiftDateTimeByIncrement[(0008,0021), \"%d\", \"days\"]\n",
		pseudonym, pseudonym, shiftDays, shiftDays, shiftDays,
	)
}
