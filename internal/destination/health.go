package destination

import (
	"context"
	"sync"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
	"go.uber.org/zap"
)

// Manager owns every registered destination client plus its health state,
// and runs the single probing scheduler of §4.I on a configurable interval.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]Client
	health  map[string]*Health

	logger   *zap.SugaredLogger
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager; call Register for each destination before
// Start.
func NewManager(interval time.Duration, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		clients:  make(map[string]Client),
		health:   make(map[string]*Health),
		logger:   logger,
		interval: interval,
	}
}

// Register adds a destination client under name, starting in the
// unavailable state until its first probe runs.
func (m *Manager) Register(name string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = c
	m.health[name] = &Health{}
}

// Health returns a copy of the named destination's current health, or
// (Health{}, false) if unregistered.
func (m *Manager) Health(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[name]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// IsAvailable reports the named destination's last-known availability.
func (m *Manager) IsAvailable(name string) bool {
	h, ok := m.Health(name)
	return ok && h.Available
}

// Client returns the named destination's client, or (nil, false).
func (m *Manager) Client(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Start runs an immediate probe pass and then one every interval until
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.probeAll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probing scheduler and closes every registered client.
func (m *Manager) Stop() {
	if m.stop != nil {
		close(m.stop)
	}
	m.wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil && m.logger != nil {
			m.logger.Warnw("error closing destination client", "destination", name, "error", err)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.probeOne(ctx, name)
	}
}

func (m *Manager) probeOne(ctx context.Context, name string) {
	m.mu.RLock()
	c, ok := m.clients[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	healthy, _ := c.Probe(ctx)
	now := entity.Now()

	m.mu.Lock()
	h := m.health[name]
	wasAvailable := h.Available
	h.TotalChecks++
	h.LastCheck = now

	if healthy {
		h.SuccessfulChecks++
		h.Available = true
		h.LastAvailable = now
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
		if wasAvailable {
			h.UnavailableSince = now
		}
		h.Available = false
	}
	m.mu.Unlock()

	if m.logger == nil {
		return
	}
	if wasAvailable && !healthy {
		m.logger.Warnw("destination flipped unavailable", "destination", name)
	} else if !wasAvailable && healthy {
		m.logger.Infow("destination flipped available", "destination", name)
	}
}
