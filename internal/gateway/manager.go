// Package gateway is the realtime websocket front of the presence registry.
// It registers each socket with the registry and forwards registry events to
// the sockets of the affected branch.
package gateway

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/electr1fy0/presence/internal/metrics"
	"github.com/electr1fy0/presence/internal/presence"
)

// NewManager builds one hub per CPU. All sockets of a branch share a hub.
func NewManager(reg Registry, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 5
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 10
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}

	numCPU := runtime.NumCPU()
	m := &Manager{
		registry: reg,
		opts:     opts,
		logger:   opts.Logger,
		branches: make(map[string]int),
	}
	hubs := make([]*hub, numCPU)

	for i := range numCPU {
		// register is unbuffered: a client is in the hub before any event
		// emitted by its own registration reaches the hub.
		hubs[i] = &hub{
			id:         uuid.NewString(),
			clients:    make(map[*client]bool),
			register:   make(chan *client),
			unregister: make(chan *client, 128),
			broadcast:  make(chan outbound, hubQueue),
			done:       make(chan struct{}),
		}
	}

	m.hubs = hubs
	return m
}

// Start launches each hub loop, subscribes to registry events and, when
// configured, the resync loop. Everything stops when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	for _, h := range m.hubs {
		go h.run(ctx)
	}
	m.unsubscribe = m.registry.SubscribeAll(m.forward)

	if m.opts.ResyncInterval > 0 {
		go m.resyncLoop(ctx, m.opts.ResyncInterval)
	}

	go func() {
		<-ctx.Done()
		m.unsubscribe()
	}()
}

func (m *Manager) hubFor(branchID string) *hub {
	h := fnv.New32a()
	_, _ = h.Write([]byte(branchID))
	return m.hubs[h.Sum32()%uint32(len(m.hubs))]
}

// forward relays a registry event to the branch's local sockets.
func (m *Manager) forward(ev presence.Event) {
	data, err := json.Marshal(Frame{Type: ev.Kind.String(), BranchID: ev.BranchID, Data: ev.Payload()})
	if err != nil {
		m.logger.Error("failed to marshal frame", "kind", ev.Kind.String(), "error", err)
		return
	}
	m.hubFor(ev.BranchID).enqueue(outbound{branchID: ev.BranchID, data: data})
}

// track counts live local connections per branch. A client leaves the count
// only after it has been deregistered.
func (m *Manager) track(branchID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.live += delta
	m.branches[branchID] += delta
	if m.branches[branchID] <= 0 {
		delete(m.branches, branchID)
	}
	metrics.GatewayConnections.Add(float64(delta))
}

func (m *Manager) liveClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Drain blocks until every local client has been torn down and deregistered
// from the registry, or ctx ends. Call it after the context given to Start is
// done and before the registry is closed.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for m.liveClients() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) activeBranches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	branches := make([]string, 0, len(m.branches))
	for b := range m.branches {
		branches = append(branches, b)
	}
	return branches
}

// resyncLoop bounds staleness from lost cross-instance publishes by
// periodically pushing the store's member list to local sockets.
func (m *Manager) resyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resync(ctx)
		}
	}
}

func (m *Manager) resync(ctx context.Context) {
	for _, branchID := range m.activeBranches() {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
		members, err := m.registry.ListMembers(callCtx, branchID)
		cancel()
		if err != nil {
			m.logger.Warn("resync failed", "branch_id", branchID, "error", err)
			continue
		}
		m.forward(presence.Event{Kind: presence.KindOnlineMembers, BranchID: branchID, Members: members})
	}
}
