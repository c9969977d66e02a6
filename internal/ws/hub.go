package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCapacityExceeded is returned by Register when a connection ceiling
// (global or per-tenant) is reached.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// HubConfig holds the registry's ceilings and liveness parameters.
type HubConfig struct {
	MaxConnections          int // global ceiling, 0 = unlimited
	MaxConnectionsPerTenant int // per-tenant ceiling, 0 = unlimited
	HeartbeatInterval       time.Duration
	MissedHeartbeats        int // evict after this many missed intervals
	SweepInterval           time.Duration
}

// DefaultHubConfig returns production defaults: eviction after 3 missed
// heartbeat intervals, sweeping at the heartbeat cadence.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxConnections:          10000,
		MaxConnectionsPerTenant: 500,
		HeartbeatInterval:       30 * time.Second,
		MissedHeartbeats:        3,
		SweepInterval:           30 * time.Second,
	}
}

// EvictHook is called when the sweep removes a dead connection. It feeds
// observability, not further event routing.
type EvictHook func(connID, tenantID string)

// Hub is the process-wide connection registry: every live WebSocket session,
// keyed by connection id, annotated with tenant, branch, role, and its
// subscribed channel set. A connection is present here if and only if its
// transport is open.
//
// The clients map is guarded by a short-lived RWMutex for membership only;
// per-connection mutable state (heartbeat, sequence, channel set) lives on
// the Client under its own synchronization, so independent connections do
// not contend.
type Hub struct {
	cfg HubConfig

	mu       sync.RWMutex
	clients  map[string]*Client
	byTenant map[string]int

	hooksMu sync.RWMutex
	hooks   []EvictHook
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:      cfg,
		clients:  make(map[string]*Client),
		byTenant: make(map[string]int),
	}
}

// Register adds a client to the registry, enforcing the ceilings.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		return ErrCapacityExceeded
	}
	if h.cfg.MaxConnectionsPerTenant > 0 && h.byTenant[c.TenantID] >= h.cfg.MaxConnectionsPerTenant {
		return ErrCapacityExceeded
	}

	h.clients[c.ID] = c
	h.byTenant[c.TenantID]++
	log.Printf("ws: client %s registered (tenant=%s branch=%s role=%s)", c.ID, c.TenantID, c.BranchID, c.Role)
	return nil
}

// Unregister removes a client and closes its send channel. Idempotent.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	h.byTenant[c.TenantID]--
	if h.byTenant[c.TenantID] <= 0 {
		delete(h.byTenant, c.TenantID)
	}
	c.closeSend()
	log.Printf("ws: client %s unregistered", c.ID)
}

// Touch records a heartbeat for the given connection.
func (h *Hub) Touch(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		c.touch()
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectionsMatching returns the clients of the given tenant whose channel
// set intersects the target channels. The tenant guard runs before any
// channel matching, so an envelope can never reach another tenant's
// connections regardless of channel shape.
func (h *Hub) ConnectionsMatching(tenantID string, channels []string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var matched []*Client
	for _, c := range h.clients {
		if c.TenantID != tenantID {
			continue
		}
		if c.matchesAny(channels) {
			matched = append(matched, c)
		}
	}
	return matched
}

// OnEvict registers a hook called for each sweep eviction.
func (h *Hub) OnEvict(hook EvictHook) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Run executes the periodic heartbeat sweep until ctx is cancelled. The
// sweep is the sole mechanism for detecting half-open and dead sockets:
// connections that missed the configured number of heartbeat intervals are
// closed and removed.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	cutoff := time.Now().Add(-time.Duration(h.cfg.MissedHeartbeats) * h.cfg.HeartbeatInterval)

	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.lastHeartbeat().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.Printf("ws: evicting client %s (no heartbeat since %s)", c.ID, c.lastHeartbeat().Format(time.RFC3339))
		h.Unregister(c)
		c.closeTransport()

		h.hooksMu.RLock()
		for _, hook := range h.hooks {
			hook(c.ID, c.TenantID)
		}
		h.hooksMu.RUnlock()
	}
}

// CloseAll tears down every connection transport. Called during shutdown,
// after the relay session is closed.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.byTenant = make(map[string]int)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		c.closeTransport()
	}
}
