// Package presence tracks which users are connected to which branch,
// collapses several live connections per user into one presence record, and
// announces membership changes to local listeners and sibling instances.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electr1fy0/presence/internal/metrics"
)

const lockStripes = 64

// Registry is the single writer of presence state. Construct one per process
// and hand it to the gateway.
type Registry struct {
	backend    Backend
	store      Store
	mode       Mode
	announcer  *Announcer
	instanceID string
	logger     *slog.Logger
	now        func() time.Time

	// Serializes register/deregister of the same (branch, user) inside this
	// process. Across processes the store's atomic set size decides.
	locks [lockStripes]sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithInstanceID sets the origin tag of published events.
func WithInstanceID(id string) Option {
	return func(r *Registry) { r.instanceID = id }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry on b.
func NewRegistry(b Backend, opts ...Option) *Registry {
	r := &Registry{
		backend: b,
		store:   b.Store,
		mode:    b.Mode,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.instanceID == "" {
		r.instanceID = uuid.NewString()
	}
	r.logger = r.logger.With("instance", r.instanceID)
	r.announcer = NewAnnouncer(r.instanceID, b.Transport, r.logger)
	return r
}

// Mode reports the backing strategy chosen at startup.
func (r *Registry) Mode() Mode { return r.mode }

// InstanceID returns the origin tag of this instance.
func (r *Registry) InstanceID() string { return r.instanceID }

// Subscribe registers fn for one event kind. Listeners run while the
// registry holds the affected user's lock, so a listener must not call back
// into the registry synchronously.
func (r *Registry) Subscribe(kind Kind, fn Listener) (unsubscribe func()) {
	return r.announcer.Subscribe(kind, fn)
}

// SubscribeAll registers fn for every event kind.
func (r *Registry) SubscribeAll(fn Listener) (unsubscribe func()) {
	cancels := make([]func(), 0, len(Kinds))
	for _, k := range Kinds {
		cancels = append(cancels, r.announcer.Subscribe(k, fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Start begins receiving events published by sibling instances.
func (r *Registry) Start(ctx context.Context) (io.Closer, error) {
	return r.announcer.Start(ctx)
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close releases the backend it was built on.
func (r *Registry) Close() error {
	return r.backend.Close()
}

func (r *Registry) lockFor(branchID, userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(branchID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userID))
	return &r.locks[h.Sum32()%lockStripes]
}

// RegisterConnection adds connID to the user's presence in branchID and merges
// meta into the stored record. Registering a live connection again only
// refreshes metadata.
func (r *Registry) RegisterConnection(ctx context.Context, branchID, userID, connID string, meta Metadata) (res RegisterResult, err error) {
	start := time.Now()
	defer func() { r.record("register", start, err, false) }()

	if err := validIDs(branchID, userID, connID); err != nil {
		return RegisterResult{}, err
	}
	log := r.logger.With("branch_id", branchID, "user_id", userID, "conn_id", connID)

	mu := r.lockFor(branchID, userID)
	mu.Lock()
	defer mu.Unlock()

	now := r.now()
	joined, err := r.store.Join(ctx, Join{
		BranchID: branchID,
		UserID:   userID,
		ConnID:   connID,
		Metadata: meta,
		At:       now,
	})
	if err != nil {
		if !errors.Is(err, ErrConnectionInUse) {
			log.Error("failed to register connection", "error", err)
		}
		return RegisterResult{}, err
	}
	first := joined.Added && joined.Count == 1
	rec := joined.Record

	members, err := r.ListMembers(ctx, branchID)
	if err != nil {
		log.Error("failed to list members after register", "error", err)
		return RegisterResult{}, err
	}

	if first {
		log.Info("user online")
		r.announcer.Announce(ctx, Event{
			Kind:     KindUserOnline,
			BranchID: branchID,
			Online: &UserOnline{
				ID:          userID,
				Name:        rec.Metadata.Name,
				PhotoURL:    rec.Metadata.PhotoURL,
				Role:        rec.Metadata.Role,
				BranchID:    branchID,
				ConnectedAt: now,
			},
		})
	} else {
		log.Debug("additional connection", "connections", joined.Count)
	}
	r.announcer.Announce(ctx, Event{Kind: KindOnlineMembers, BranchID: branchID, Members: members})

	return RegisterResult{FirstConnection: first, Members: members}, nil
}

// DeregisterConnection removes connID. Unknown or already removed connection
// ids return (nil, nil): disconnects race with earlier cleanup.
func (r *Registry) DeregisterConnection(ctx context.Context, connID string) (res *DeregisterResult, err error) {
	start := time.Now()
	defer func() { r.record("deregister", start, err, res == nil) }()

	if connID == "" {
		return nil, nil
	}

	ref, ok, err := r.store.LookupConnection(ctx, connID)
	if err != nil {
		r.logger.Error("connection lookup failed", "conn_id", connID, "error", err)
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	log := r.logger.With("branch_id", ref.BranchID, "user_id", ref.UserID, "conn_id", connID)

	mu := r.lockFor(ref.BranchID, ref.UserID)
	mu.Lock()
	defer mu.Unlock()

	left, err := r.store.Leave(ctx, connID, ref)
	if err != nil {
		log.Error("failed to remove connection", "error", err)
		return nil, err
	}
	if !left.Removed {
		log.Debug("connection already removed")
		return nil, nil
	}
	wentOffline := left.Count == 0

	members, err := r.ListMembers(ctx, ref.BranchID)
	if err != nil {
		log.Error("failed to list members after deregister", "error", err)
		return nil, err
	}

	if wentOffline {
		log.Info("user offline")
		r.announcer.Announce(ctx, Event{
			Kind:     KindUserOffline,
			BranchID: ref.BranchID,
			Offline: &UserOffline{
				ID:            ref.UserID,
				BranchID:      ref.BranchID,
				WentOfflineAt: r.now(),
			},
		})
	} else {
		log.Debug("connection closed, user still online", "connections", left.Count)
	}
	r.announcer.Announce(ctx, Event{Kind: KindOnlineMembers, BranchID: ref.BranchID, Members: members})

	return &DeregisterResult{
		WentOffline: wentOffline,
		BranchID:    ref.BranchID,
		UserID:      ref.UserID,
		Members:     members,
	}, nil
}

// ListMembers returns the users online in branchID. The list is assembled
// from several store reads and is not an atomic snapshot.
func (r *Registry) ListMembers(ctx context.Context, branchID string) ([]Member, error) {
	ids, err := r.store.Members(ctx, branchID)
	if err != nil {
		return nil, err
	}
	records, err := r.store.GetRecords(ctx, branchID, ids)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(records))
	for _, rec := range records {
		members = append(members, rec.member())
	}
	return members, nil
}

// ListAllOnline returns every branch's members. It enumerates all branches
// and is meant for low-frequency admin use only.
func (r *Registry) ListAllOnline(ctx context.Context) (result map[string][]Member, err error) {
	start := time.Now()
	defer func() { r.record("list_all", start, err, false) }()

	branches, err := r.store.Branches(ctx)
	if err != nil {
		return nil, err
	}
	result = make(map[string][]Member, len(branches))
	for _, branchID := range branches {
		members, err := r.ListMembers(ctx, branchID)
		if err != nil {
			return nil, err
		}
		if len(members) > 0 {
			result[branchID] = members
		}
	}
	return result, nil
}

func (r *Registry) record(op string, start time.Time, err error, noop bool) {
	status := "ok"
	switch {
	case err != nil && errors.Is(err, ErrStoreUnavailable):
		status = "store_error"
	case err != nil:
		status = "error"
	case noop:
		status = "noop"
	}
	metrics.RecordOperation(op, status, time.Since(start).Seconds())
}
