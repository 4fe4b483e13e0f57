package uplink

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager tracks the uplinks a switch has open and tears them all down
// concurrently at shutdown.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	uplinks map[string]*ReadyUplink
}

// NewManager builds an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		logger:  logger.With("component", "uplinkManager"),
		uplinks: make(map[string]*ReadyUplink),
	}
}

// Add registers a connected uplink under its credential id, replacing
// any previous entry for the same credential.
func (m *Manager) Add(uplink *ReadyUplink) {
	m.mu.Lock()
	m.uplinks[uplink.CredentialID()] = uplink
	m.mu.Unlock()
}

// Remove drops the uplink for credentialID without disconnecting it.
func (m *Manager) Remove(credentialID string) {
	m.mu.Lock()
	delete(m.uplinks, credentialID)
	m.mu.Unlock()
}

// Get returns the uplink for credentialID.
func (m *Manager) Get(credentialID string) (*ReadyUplink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uplink, ok := m.uplinks[credentialID]
	return uplink, ok
}

// List returns the tracked uplinks in no particular order.
func (m *Manager) List() []*ReadyUplink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReadyUplink, 0, len(m.uplinks))
	for _, uplink := range m.uplinks {
		out = append(out, uplink)
	}
	return out
}

// DisconnectAll tears every tracked uplink down concurrently and waits
// for all of them. The first disconnect error is returned; the rest are
// logged. The manager is empty afterward either way.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.Lock()
	uplinks := make([]*ReadyUplink, 0, len(m.uplinks))
	for _, uplink := range m.uplinks {
		uplinks = append(uplinks, uplink)
	}
	m.uplinks = make(map[string]*ReadyUplink)
	m.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, uplink := range uplinks {
		uplink := uplink
		group.Go(func() error {
			if err := uplink.Disconnect(ctx); err != nil {
				m.logger.Warn("uplink disconnect failed",
					"credentialId", uplink.CredentialID(), "error", err)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
