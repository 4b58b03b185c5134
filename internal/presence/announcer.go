package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/electr1fy0/presence/internal/metrics"
)

// Listener receives registry events. Listeners run synchronously on the
// emitting goroutine and must not block for long.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// envelope is the cross-instance wire form of an Event.
type envelope struct {
	Origin   string          `json:"origin"`
	Kind     Kind            `json:"kind"`
	BranchID string          `json:"branchId"`
	Data     json.RawMessage `json:"data"`
}

// Announcer dispatches events to local listeners and, through its transport,
// to sibling instances. Publishing is at-most-once: a lost publish leaves
// siblings stale until the next membership change in that branch.
type Announcer struct {
	origin    string
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners map[Kind][]listenerEntry
}

// NewAnnouncer creates an announcer tagging its publishes with origin.
func NewAnnouncer(origin string, transport Transport, logger *slog.Logger) *Announcer {
	if transport == nil {
		transport = localTransport{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		origin:    origin,
		transport: transport,
		logger:    logger,
		listeners: make(map[Kind][]listenerEntry),
	}
}

// Subscribe registers fn for kind and returns a function that removes it.
// Safe to call at any time, including from inside a listener.
func (a *Announcer) Subscribe(kind Kind, fn Listener) (unsubscribe func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[kind] = append(a.listeners[kind], listenerEntry{id: id, fn: fn})
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { a.remove(kind, id) })
	}
}

func (a *Announcer) remove(kind Kind, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.listeners[kind]
	kept := make([]listenerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(a.listeners, kind)
		return
	}
	a.listeners[kind] = kept
}

// Announce emits ev locally, then publishes it to sibling instances.
// Publish failures are logged and counted, never returned.
func (a *Announcer) Announce(ctx context.Context, ev Event) {
	ev.Origin = a.origin
	ev.Remote = false
	a.emit(ev)

	payload, err := a.encode(ev)
	if err != nil {
		a.logger.Error("failed to encode presence event", "kind", ev.Kind.String(), "error", err)
		metrics.RecordPublish("encode_error")
		return
	}
	if err := a.transport.Publish(ctx, ev.BranchID, payload); err != nil {
		a.logger.Error("failed to publish presence event",
			"kind", ev.Kind.String(),
			"branch_id", ev.BranchID,
			"error", err,
		)
		metrics.RecordPublish("error")
		return
	}
	metrics.RecordPublish("ok")
}

// Start subscribes to sibling instances' events. The returned closer stops it.
func (a *Announcer) Start(ctx context.Context) (io.Closer, error) {
	return a.transport.Subscribe(ctx, a.receive)
}

// receive handles one payload from the transport. Bad payloads are dropped
// so the subscriber keeps reading.
func (a *Announcer) receive(payload []byte) {
	ev, err := a.decode(payload)
	if err != nil {
		a.logger.Warn("discarding malformed presence event", "error", err)
		metrics.RecordMalformed()
		return
	}
	if ev.Origin == a.origin {
		return
	}
	a.emit(ev)
}

func (a *Announcer) emit(ev Event) {
	a.mu.RLock()
	entries := append([]listenerEntry(nil), a.listeners[ev.Kind]...)
	a.mu.RUnlock()

	origin := "local"
	if ev.Remote {
		origin = "remote"
	}
	metrics.RecordEmit(ev.Kind.String(), origin)

	for _, e := range entries {
		a.call(e.fn, ev)
	}
}

func (a *Announcer) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("presence listener panicked", "kind", ev.Kind.String(), "panic", r)
		}
	}()
	fn(ev)
}

func (a *Announcer) encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Origin:   ev.Origin,
		Kind:     ev.Kind,
		BranchID: ev.BranchID,
		Data:     data,
	})
}

func (a *Announcer) decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, err
	}
	if env.BranchID == "" {
		return Event{}, fmt.Errorf("missing branchId")
	}
	if len(env.Data) == 0 {
		return Event{}, fmt.Errorf("missing data")
	}

	ev := Event{Kind: env.Kind, BranchID: env.BranchID, Origin: env.Origin, Remote: true}
	switch env.Kind {
	case KindUserOnline:
		ev.Online = new(UserOnline)
		if err := json.Unmarshal(env.Data, ev.Online); err != nil {
			return Event{}, fmt.Errorf("user-online data: %w", err)
		}
		if ev.Online.ID == "" {
			return Event{}, fmt.Errorf("user-online without id")
		}
	case KindUserOffline:
		ev.Offline = new(UserOffline)
		if err := json.Unmarshal(env.Data, ev.Offline); err != nil {
			return Event{}, fmt.Errorf("user-offline data: %w", err)
		}
		if ev.Offline.ID == "" {
			return Event{}, fmt.Errorf("user-offline without id")
		}
	case KindOnlineMembers:
		if err := json.Unmarshal(env.Data, &ev.Members); err != nil {
			return Event{}, fmt.Errorf("online-members data: %w", err)
		}
		if ev.Members == nil {
			ev.Members = []Member{}
		}
	default:
		return Event{}, fmt.Errorf("unknown kind %d", env.Kind)
	}
	return ev, nil
}
