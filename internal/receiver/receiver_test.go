package receiver

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/imagingproto"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

func encodeInstance(t *testing.T, studyUID, seriesUID, sopUID, patientID, modality string) []byte {
	t.Helper()
	codec := imagingproto.NewReferenceCodec()
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.PatientID, "LO", patientID)
	set.Set(tagmodel.StudyInstanceUID, "UI", studyUID)
	set.Set(tagmodel.SeriesInstanceUID, "UI", seriesUID)
	set.Set(tagmodel.SOPInstanceUID, "UI", sopUID)
	set.Set(tagmodel.Modality, "CS", modality)
	set.Insert(tagmodel.Attribute{Tag: tagmodel.PixelData, VR: "OB", Raw: make([]byte, 32)})

	path := filepath.Join(t.TempDir(), "tmp.dcm")
	require.NoError(t, codec.EncodeFile(path, set))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

type stubTracker struct {
	touched []string
}

func (s *stubTracker) Touch(studyUID entity.StudyUID, callingAE entity.AETitle) {
	s.touched = append(s.touched, studyUID)
}

func TestListener_StoresInstanceAtDocumentedPath(t *testing.T) {
	base := t.TempDir()
	route := entity.Route{AETitle: "LISTEN1", Port: 11112}
	transport := NewReferenceTransport()
	tracker := &stubTracker{}

	l, err := NewListener(route, transport, imagingproto.NewReferenceCodec(), base, zap.NewNop().Sugar(), nil, tracker)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	raw := encodeInstance(t, "1.2.3", "1.2.3.1", "1.2.3.1.1", "PAT1", "CT")
	transport.Submit(raw, "REMOTE1")

	expected := filepath.Join(base, "LISTEN1", "incoming", "1.2.3", "1.2.3.1", "1.2.3.1.1.dcm")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(expected); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = os.Stat(expected)
	require.NoError(t, err, "expected instance at %s", expected)

	assert.Eventually(t, func() bool { return len(tracker.touched) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, entity.StudyUID("1.2.3"), tracker.touched[0])
}

func TestListener_MissingUIDsSubstituteUnknownLiterals(t *testing.T) {
	base := t.TempDir()
	route := entity.Route{AETitle: "LISTEN2", Port: 11113}
	transport := NewReferenceTransport()

	l, err := NewListener(route, transport, imagingproto.NewReferenceCodec(), base, zap.NewNop().Sugar(), nil, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	raw := encodeInstance(t, "", "", "1.2.3.9.1", "PAT2", "MR")
	transport.Submit(raw, "REMOTE2")

	expectedDir := filepath.Join(base, "LISTEN2", "incoming", entity.UnknownStudy, entity.UnknownSeries)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries, err := os.ReadDir(expectedDir); err == nil && len(entries) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	entries, err := os.ReadDir(expectedDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListener_WritesCSVAuditLine(t *testing.T) {
	base := t.TempDir()
	route := entity.Route{AETitle: "LISTEN3", Port: 11114}
	transport := NewReferenceTransport()

	l, err := NewListener(route, transport, imagingproto.NewReferenceCodec(), base, zap.NewNop().Sugar(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	raw := encodeInstance(t, "1.2.4", "1.2.4.1", "1.2.4.1.1", "PAT3", "CT")
	transport.Submit(raw, "REMOTE3")

	auditPath := filepath.Join(base, "LISTEN3", "audit.csv")
	deadline := time.Now().Add(2 * time.Second)
	var lines [][]string
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(auditPath)
		if err == nil && bytes.Contains(data, []byte("PAT3")) {
			r := csv.NewReader(bytes.NewReader(data))
			lines, _ = r.ReadAll()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Close()

	require.Len(t, lines, 2)
	assert.Equal(t, auditHeader, lines[0])
	row := lines[1]
	assert.Equal(t, "REMOTE3", row[1])
	assert.Equal(t, "PAT3", row[2])
	assert.Equal(t, "1.2.4", row[3])
	assert.Equal(t, "1.2.4.1", row[4])
	assert.Equal(t, "1.2.4.1.1", row[5])
	assert.Equal(t, "CT", row[6])
}

func TestWatcher_EmitsStudyReadyAfterQuietPeriod(t *testing.T) {
	base := t.TempDir()
	route := entity.Route{AETitle: "WATCH1", Port: 11115, QuietPeriod: 50 * time.Millisecond}

	ready := make(chan entity.StudyReadyEvent, 1)
	w, err := NewWatcher(route, base, zap.NewNop().Sugar(), nil, func(ev entity.StudyReadyEvent) {
		ready <- ev
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	studyDir := filepath.Join(base, "WATCH1", "incoming", "1.9.1", "1.9.1.1")
	require.NoError(t, os.MkdirAll(studyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(studyDir, "a.dcm"), []byte("x"), 0o644))
	w.Touch("1.9.1", "REMOTE9")

	select {
	case ev := <-ready:
		assert.Equal(t, entity.StudyUID("1.9.1"), ev.StudyUID)
		assert.Equal(t, entity.AETitle("REMOTE9"), ev.CallingAE)
		assert.Equal(t, 1, ev.FileCount)
	case <-time.After(2 * sweepInterval):
		t.Fatal("watcher never emitted StudyReady")
	}
}

func TestWatcher_DoesNotReopenWithoutExplicitReset(t *testing.T) {
	base := t.TempDir()
	route := entity.Route{AETitle: "WATCH2", Port: 11116, QuietPeriod: 30 * time.Millisecond}

	ready := make(chan entity.StudyReadyEvent, 4)
	w, err := NewWatcher(route, base, zap.NewNop().Sugar(), nil, func(ev entity.StudyReadyEvent) {
		ready <- ev
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	studyDir := filepath.Join(base, "WATCH2", "incoming", "1.9.2", "1.9.2.1")
	require.NoError(t, os.MkdirAll(studyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(studyDir, "a.dcm"), []byte("x"), 0o644))
	w.Touch("1.9.2", "REMOTE9")

	select {
	case <-ready:
	case <-time.After(2 * sweepInterval):
		t.Fatal("watcher never emitted the first StudyReady")
	}

	// New activity after completion must not reopen the study on its own.
	w.Touch("1.9.2", "REMOTE9")
	select {
	case <-ready:
		t.Fatal("study reopened without an explicit ResetStudy call")
	case <-time.After(sweepInterval + time.Second):
	}

	w.ResetStudy("1.9.2")
	select {
	case ev := <-ready:
		assert.Equal(t, entity.StudyUID("1.9.2"), ev.StudyUID)
	case <-time.After(2 * sweepInterval):
		t.Fatal("watcher never reopened the study after ResetStudy")
	}
}
