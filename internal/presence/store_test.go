package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electr1fy0/presence/internal/logger"
)

// newTestRedis starts a miniredis server and returns a client bound to it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newRedisBackend(t *testing.T, client *redis.Client) Backend {
	t.Helper()
	return Backend{
		Mode:      ModeRedis,
		Store:     NewRedisStore(client),
		Transport: NewRedisTransport(client, logger.Discard()),
	}
}

// backendFactories lists every strategy so behavior tests run against both.
func backendFactories() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"local": func(t *testing.T) Backend { return LocalBackend() },
		"redis": func(t *testing.T) Backend {
			_, client := newTestRedis(t)
			return newRedisBackend(t, client)
		},
	}
}

func join(branchID, userID, connID string, meta Metadata) Join {
	return Join{BranchID: branchID, UserID: userID, ConnID: connID, Metadata: meta, At: fixedNow}
}

func TestStore_JoinAndLeaveCounts(t *testing.T) {
	for name, newBackend := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			store := newBackend(t).Store
			ctx := context.Background()
			ref := ConnRef{BranchID: "branch-1", UserID: "u1"}

			res, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{}))
			require.NoError(t, err)
			assert.True(t, res.Added)
			assert.Equal(t, int64(1), res.Count)

			res, err = store.Join(ctx, join("branch-1", "u1", "c1", Metadata{}))
			require.NoError(t, err)
			assert.False(t, res.Added, "same connection id twice")
			assert.Equal(t, int64(1), res.Count)

			res, err = store.Join(ctx, join("branch-1", "u1", "c2", Metadata{}))
			require.NoError(t, err)
			assert.True(t, res.Added)
			assert.Equal(t, int64(2), res.Count)

			n, err := store.ConnectionCount(ctx, "branch-1", "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			left, err := store.Leave(ctx, "c1", ref)
			require.NoError(t, err)
			assert.Equal(t, LeaveResult{Removed: true, Count: 1}, left)

			left, err = store.Leave(ctx, "c1", ref)
			require.NoError(t, err)
			assert.Equal(t, LeaveResult{Removed: false, Count: 1}, left)

			left, err = store.Leave(ctx, "c2", ref)
			require.NoError(t, err)
			assert.Equal(t, LeaveResult{Removed: true, Count: 0}, left)
		})
	}
}

func TestStore_LastLeaveClearsMemberAndRecord(t *testing.T) {
	for name, newBackend := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			store := newBackend(t).Store
			ctx := context.Background()

			_, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{Name: "Ana"}))
			require.NoError(t, err)
			_, err = store.Join(ctx, join("branch-1", "u2", "c2", Metadata{}))
			require.NoError(t, err)
			_, err = store.Join(ctx, join("branch-2", "u3", "c3", Metadata{}))
			require.NoError(t, err)

			members, err := store.Members(ctx, "branch-1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"u1", "u2"}, members)

			branches, err := store.Branches(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"branch-1", "branch-2"}, branches)

			_, err = store.Leave(ctx, "c3", ConnRef{BranchID: "branch-2", UserID: "u3"})
			require.NoError(t, err)

			branches, err = store.Branches(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"branch-1"}, branches)

			_, ok, err := store.GetRecord(ctx, "branch-2", "u3")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = store.LookupConnection(ctx, "c3")
			require.NoError(t, err)
			assert.False(t, ok)

			members, err = store.Members(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestStore_JoinWritesRecord(t *testing.T) {
	later := fixedNow.Add(time.Minute)

	for name, newBackend := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			store := newBackend(t).Store
			ctx := context.Background()

			_, ok, err := store.GetRecord(ctx, "branch-1", "u1")
			require.NoError(t, err)
			assert.False(t, ok)

			res, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{Name: "Ana", PhotoURL: "https://img/ana.png"}))
			require.NoError(t, err)
			assert.Equal(t, Metadata{Name: "Ana", PhotoURL: "https://img/ana.png", Role: DefaultRole}, res.Record.Metadata)
			assert.Equal(t, MetadataVersion, res.Record.Version)

			second := join("branch-1", "u1", "c2", Metadata{Role: "manager"})
			second.At = later
			res, err = store.Join(ctx, second)
			require.NoError(t, err)
			assert.Equal(t, Metadata{Name: "Ana", PhotoURL: "https://img/ana.png", Role: "manager"}, res.Record.Metadata)
			assert.True(t, res.Record.ConnectedAt.Equal(fixedNow), "connectedAt kept from the first connection")
			assert.True(t, res.Record.LastActiveAt.Equal(later))

			got, ok, err := store.GetRecord(ctx, "branch-1", "u1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, res.Record.Metadata, got.Metadata)
			assert.True(t, got.LastActiveAt.Equal(later))

			records, err := store.GetRecords(ctx, "branch-1", []string{"u1", "missing"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "u1", records[0].UserID)
		})
	}
}

func TestStore_RefusedJoinWritesNothing(t *testing.T) {
	for name, newBackend := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			store := newBackend(t).Store
			ctx := context.Background()

			_, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{}))
			require.NoError(t, err)

			_, err = store.Join(ctx, join("branch-1", "u2", "c1", Metadata{Name: "Ben"}))
			require.ErrorIs(t, err, ErrConnectionInUse)

			_, ok, err := store.GetRecord(ctx, "branch-1", "u2")
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := store.ConnectionCount(ctx, "branch-1", "u2")
			require.NoError(t, err)
			assert.Zero(t, n)

			members, err := store.Members(ctx, "branch-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"u1"}, members)

			ref, ok, err := store.LookupConnection(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, ConnRef{BranchID: "branch-1", UserID: "u1"}, ref)
		})
	}
}

func TestStore_IDsContainingSeparator(t *testing.T) {
	for name, newBackend := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			store := newBackend(t).Store
			ctx := context.Background()

			res, err := store.Join(ctx, join("a:b", "c", "c1", Metadata{Name: "X"}))
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Count)

			res, err = store.Join(ctx, join("a", "b:c", "c2", Metadata{Name: "Y"}))
			require.NoError(t, err)
			assert.True(t, res.Added)
			assert.Equal(t, int64(1), res.Count, "separate connection sets")
			assert.Equal(t, "Y", res.Record.Metadata.Name)

			rec, ok, err := store.GetRecord(ctx, "a:b", "c")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "X", rec.Metadata.Name)
		})
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	_, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{Name: "Ana"}))
	require.NoError(t, err)

	assert.True(t, mr.Exists("presence:conns:8:branch-1:u1"))
	assert.True(t, mr.Exists("presence:branch:branch-1:members"))
	assert.Equal(t, "Ana", mr.HGet("presence:user:8:branch-1:u1", "name"))
	assert.Equal(t, "u1", mr.HGet("presence:conn:c1", "userId"))

	_, err = store.Leave(ctx, "c1", ConnRef{BranchID: "branch-1", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, mr.Exists("presence:user:8:branch-1:u1"))
	assert.False(t, mr.Exists("presence:branch:branch-1:members"))
	assert.False(t, mr.Exists("presence:conn:c1"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := store.Join(ctx, join("branch-1", "u1", "c1", Metadata{}))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Leave(ctx, "c1", ConnRef{BranchID: "branch-1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Members(ctx, "branch-1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)
}
