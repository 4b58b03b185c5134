package presence

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electr1fy0/presence/internal/logger"
)

// recordingTransport captures publishes without a broker.
type recordingTransport struct {
	published [][]byte
}

func (r *recordingTransport) Publish(_ context.Context, _ string, payload []byte) error {
	r.published = append(r.published, payload)
	return nil
}

func (r *recordingTransport) Subscribe(context.Context, func([]byte)) (io.Closer, error) {
	return nopCloser{}, nil
}

func TestAnnouncer_SubscribeAndUnsubscribe(t *testing.T) {
	a := NewAnnouncer("node-a", nil, logger.Discard())

	var online, members atomic.Int32
	cancelOnline := a.Subscribe(KindUserOnline, func(Event) { online.Add(1) })
	a.Subscribe(KindOnlineMembers, func(Event) { members.Add(1) })

	ctx := context.Background()
	a.Announce(ctx, Event{Kind: KindUserOnline, BranchID: "b", Online: &UserOnline{ID: "u1", BranchID: "b"}})
	a.Announce(ctx, Event{Kind: KindOnlineMembers, BranchID: "b"})
	assert.Equal(t, int32(1), online.Load())
	assert.Equal(t, int32(1), members.Load())

	cancelOnline()
	cancelOnline()
	assert.Empty(t, a.listeners[KindUserOnline])

	a.Announce(ctx, Event{Kind: KindUserOnline, BranchID: "b", Online: &UserOnline{ID: "u1", BranchID: "b"}})
	assert.Equal(t, int32(1), online.Load())
}

func TestAnnouncer_ListenerMutationDuringEmit(t *testing.T) {
	a := NewAnnouncer("node-a", nil, logger.Discard())

	var calls atomic.Int32
	var cancel func()
	cancel = a.Subscribe(KindOnlineMembers, func(Event) {
		calls.Add(1)
		cancel()
		a.Subscribe(KindOnlineMembers, func(Event) { calls.Add(1) })
	})

	ctx := context.Background()
	a.Announce(ctx, Event{Kind: KindOnlineMembers, BranchID: "b"})
	assert.Equal(t, int32(1), calls.Load(), "listeners added during emit wait for the next event")

	a.Announce(ctx, Event{Kind: KindOnlineMembers, BranchID: "b"})
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnnouncer_PanickingListenerIsIsolated(t *testing.T) {
	a := NewAnnouncer("node-a", nil, logger.Discard())

	var reached atomic.Bool
	a.Subscribe(KindOnlineMembers, func(Event) { panic("boom") })
	a.Subscribe(KindOnlineMembers, func(Event) { reached.Store(true) })

	assert.NotPanics(t, func() {
		a.Announce(context.Background(), Event{Kind: KindOnlineMembers, BranchID: "b"})
	})
	assert.True(t, reached.Load())
}

func TestAnnouncer_EnvelopeRoundTrip(t *testing.T) {
	tr := &recordingTransport{}
	a := NewAnnouncer("node-a", tr, logger.Discard())

	at := time.UnixMilli(1_700_000_000_000).UTC()
	a.Announce(context.Background(), Event{
		Kind:     KindUserOffline,
		BranchID: "branch-1",
		Offline:  &UserOffline{ID: "u1", BranchID: "branch-1", WentOfflineAt: at},
	})
	require.Len(t, tr.published, 1)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(tr.published[0], &raw))
	assert.Equal(t, "node-a", raw["origin"])
	assert.Equal(t, "user-offline", raw["kind"])
	assert.Equal(t, "branch-1", raw["branchId"])

	b := NewAnnouncer("node-b", nil, logger.Discard())
	ev, err := b.decode(tr.published[0])
	require.NoError(t, err)
	assert.Equal(t, KindUserOffline, ev.Kind)
	assert.True(t, ev.Remote)
	assert.Equal(t, "node-a", ev.Origin)
	assert.Equal(t, "u1", ev.Offline.ID)
	assert.True(t, ev.Offline.WentOfflineAt.Equal(at))
}

func TestAnnouncer_ReceiveSkipsOwnOrigin(t *testing.T) {
	tr := &recordingTransport{}
	a := NewAnnouncer("node-a", tr, logger.Discard())

	var calls atomic.Int32
	a.Subscribe(KindOnlineMembers, func(Event) { calls.Add(1) })

	a.Announce(context.Background(), Event{Kind: KindOnlineMembers, BranchID: "b", Members: []Member{{ID: "u1"}}})
	require.Len(t, tr.published, 1)

	a.receive(tr.published[0])
	assert.Equal(t, int32(1), calls.Load(), "echo of own publish is not emitted twice")
}

func TestAnnouncer_DecodeRejectsMalformed(t *testing.T) {
	a := NewAnnouncer("node-b", nil, logger.Discard())

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `garbage`},
		{"unknown kind", `{"origin":"a","kind":"user-away","branchId":"b","data":{}}`},
		{"missing kind", `{"origin":"a","branchId":"b","data":{}}`},
		{"missing branch", `{"origin":"a","kind":"online-members","data":[]}`},
		{"missing data", `{"origin":"a","kind":"online-members","branchId":"b"}`},
		{"wrong data shape", `{"origin":"a","kind":"online-members","branchId":"b","data":{"id":"u1"}}`},
		{"online without id", `{"origin":"a","kind":"user-online","branchId":"b","data":{}}`},
		{"offline without id", `{"origin":"a","kind":"user-offline","branchId":"b","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.decode([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestAnnouncer_ReceiveMalformedKeepsListening(t *testing.T) {
	a := NewAnnouncer("node-b", nil, logger.Discard())

	var calls atomic.Int32
	a.Subscribe(KindOnlineMembers, func(Event) { calls.Add(1) })

	a.receive([]byte(`{"kind":`))
	a.receive([]byte(`{"origin":"node-a","kind":"online-members","branchId":"b","data":[{"id":"u1","branchId":"b"}]}`))

	assert.Equal(t, int32(1), calls.Load())
}

func TestKind_Text(t *testing.T) {
	for _, k := range Kinds {
		text, err := k.MarshalText()
		require.NoError(t, err)

		var back Kind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}

	_, err := Kind(0).MarshalText()
	assert.Error(t, err)
}
