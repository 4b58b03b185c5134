package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/electr1fy0/presence/internal/metrics"
)

// Mode names the active backing strategy.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeRedis Mode = "redis"
)

const connectTimeout = 5 * time.Second

// Backend pairs a store with the transport that matches it. It is chosen once
// at startup and never switched, so state is never split across two stores.
type Backend struct {
	Mode      Mode
	Store     Store
	Transport Transport
}

// LocalBackend keeps everything in process.
func LocalBackend() Backend {
	return Backend{Mode: ModeLocal, Store: NewLocalStore(), Transport: localTransport{}}
}

// RedisBackend connects to redisURL and verifies the connection.
func RedisBackend(ctx context.Context, redisURL string, logger *slog.Logger) (Backend, error) {
	store, err := NewRedisStoreWithURL(redisURL)
	if err != nil {
		return Backend{}, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return Backend{}, err
	}

	return Backend{
		Mode:      ModeRedis,
		Store:     store,
		Transport: NewRedisTransport(store.Client(), logger),
	}, nil
}

// SelectBackend returns the Redis backend when redisURL is set and reachable.
// Any failure falls back to the local backend for the process lifetime.
func SelectBackend(ctx context.Context, redisURL string, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if redisURL == "" {
		logger.Info("no shared store configured, using local presence store")
		metrics.SetStoreMode(false)
		return LocalBackend()
	}

	b, err := RedisBackend(ctx, redisURL, logger)
	if err != nil {
		logger.Warn("redis presence store unavailable, falling back to local store", "error", err)
		metrics.SetStoreMode(false)
		return LocalBackend()
	}

	logger.Info("using redis presence store")
	metrics.SetStoreMode(true)
	return b
}

// Close releases the store.
func (b Backend) Close() error {
	if b.Store == nil {
		return nil
	}
	return b.Store.Close()
}
