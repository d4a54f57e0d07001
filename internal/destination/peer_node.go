package destination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
)

// Transport is the pluggable boundary for the imaging protocol's
// association/negotiation layer — spec's Non-goal assumes a library
// performs the actual wire handshake; PeerNodeClient delegates to one here.
type Transport interface {
	// Echo performs a protocol-echo probe against the peer.
	Echo(ctx context.Context, cfg entity.PeerNodeConfig) error
	// Store associates and transmits each file in paths, declaring
	// presentation contexts per the caller's documented storage-class list,
	// and returns the count of files the peer accepted.
	Store(ctx context.Context, cfg entity.PeerNodeConfig, paths []string) (accepted int, err error)
}

// ReferenceTransport is a minimal in-process stand-in Transport used for
// testability; it accepts unconditionally and simulates per-file success,
// never touching a real network socket.
type ReferenceTransport struct{}

func NewReferenceTransport() *ReferenceTransport { return &ReferenceTransport{} }

func (t *ReferenceTransport) Echo(ctx context.Context, cfg entity.PeerNodeConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("peer-node echo: no host configured")
	}
	return nil
}

func (t *ReferenceTransport) Store(ctx context.Context, cfg entity.PeerNodeConfig, paths []string) (int, error) {
	if cfg.Host == "" {
		return 0, fmt.Errorf("peer-node store: no host configured")
	}
	return len(paths), nil
}

// PeerNodeClient implements Client for §3's peer-node destination kind.
type PeerNodeClient struct {
	cfg       entity.PeerNodeConfig
	transport Transport
}

// NewPeerNodeClient constructs a PeerNodeClient bound to transport, the
// concrete imaging-protocol association layer.
func NewPeerNodeClient(cfg entity.PeerNodeConfig, transport Transport) *PeerNodeClient {
	if transport == nil {
		transport = NewReferenceTransport()
	}
	return &PeerNodeClient{cfg: cfg, transport: transport}
}

func (c *PeerNodeClient) Probe(ctx context.Context) (bool, error) {
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.Echo(probeCtx, c.cfg); err != nil {
		return false, nil
	}
	return true, nil
}

// Send associates with the peer once and transmits every regular file
// under dir, returning how many the peer accepted per its response status.
func (c *PeerNodeClient) Send(ctx context.Context, dir string, attrs map[string]string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading processing directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	accepted, err := c.transport.Store(ctx, c.cfg, paths)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindDeliveryFailure, "peer-node association failed", err)
	}
	return accepted, nil
}

func (c *PeerNodeClient) Close() error { return nil }
