package destination

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
)

func TestExpandPattern(t *testing.T) {
	attrs := map[string]string{"PatientID": "PAT 1", "StudyDate": "20240115"}
	got := ExpandPattern("{PatientID}/{StudyDate}_{StudyTime}", attrs)
	assert.Equal(t, "PAT_1/20240115_UNKNOWN", got)
}

func TestFilesystemClient_ProbeAndSend(t *testing.T) {
	base := t.TempDir()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.dcm"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.dcm"), []byte("b"), 0o644))

	client := NewFilesystemClient(entity.FilesystemConfig{
		BasePath:         base,
		DirectoryPattern: "{PatientID}/{StudyDate}",
	})

	ok, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := client.Send(context.Background(), srcDir, map[string]string{"PatientID": "PAT1", "StudyDate": "20240115"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := os.ReadFile(filepath.Join(base, "PAT1", "20240115", "a.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestFilesystemClient_ProbeFailsOnMissingBase(t *testing.T) {
	client := NewFilesystemClient(entity.FilesystemConfig{BasePath: filepath.Join(t.TempDir(), "does-not-exist")})
	ok, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerNodeClient_ReferenceTransport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("a"), 0o644))

	client := NewPeerNodeClient(entity.PeerNodeConfig{Host: "peer.example", Port: 104}, nil)

	ok, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := client.Send(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPeerNodeClient_ProbeFailsWithoutHost(t *testing.T) {
	client := NewPeerNodeClient(entity.PeerNodeConfig{}, nil)
	ok, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type flakyClient struct {
	healthy bool
}

func (f *flakyClient) Probe(ctx context.Context) (bool, error) { return f.healthy, nil }
func (f *flakyClient) Send(ctx context.Context, dir string, attrs map[string]string) (int, error) {
	return 0, nil
}
func (f *flakyClient) Close() error { return nil }

func TestManager_ProbeTransitionsAndLogging(t *testing.T) {
	c := &flakyClient{healthy: true}
	m := NewManager(20*time.Millisecond, zap.NewNop().Sugar())
	m.Register("dest1", c)

	m.probeOne(context.Background(), "dest1")
	h, ok := m.Health("dest1")
	require.True(t, ok)
	assert.True(t, h.Available)
	assert.Equal(t, 1, h.TotalChecks)
	assert.Equal(t, 1, h.SuccessfulChecks)

	c.healthy = false
	m.probeOne(context.Background(), "dest1")
	h, _ = m.Health("dest1")
	assert.False(t, h.Available)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.False(t, h.UnavailableSince.IsZero())

	c.healthy = true
	m.probeOne(context.Background(), "dest1")
	h, _ = m.Health("dest1")
	assert.True(t, h.Available)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}

func TestManager_StartStop(t *testing.T) {
	c := &flakyClient{healthy: true}
	m := NewManager(10*time.Millisecond, zap.NewNop().Sugar())
	m.Register("dest1", c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.True(t, m.IsAvailable("dest1"))
}
