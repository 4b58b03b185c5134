package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventChannelPrefix  = "presence:events:"
	eventChannelPattern = eventChannelPrefix + "*"
	receiveRetryDelay   = 500 * time.Millisecond
)

// EventChannel is the pub/sub channel carrying one branch's events.
func EventChannel(branchID string) string {
	return eventChannelPrefix + branchID
}

// Transport carries serialized events between instances.
type Transport interface {
	// Publish sends payload on the branch channel. Delivery is best effort.
	Publish(ctx context.Context, branchID string, payload []byte) error
	// Subscribe starts delivering every branch's payloads to deliver. It
	// returns once the subscription is active.
	Subscribe(ctx context.Context, deliver func(payload []byte)) (io.Closer, error)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// localTransport is used in single-instance mode: nothing leaves the process.
type localTransport struct{}

func (localTransport) Publish(context.Context, string, []byte) error { return nil }

func (localTransport) Subscribe(context.Context, func([]byte)) (io.Closer, error) {
	return nopCloser{}, nil
}

// RedisTransport publishes on per-branch channels and pattern-subscribes to all of them.
type RedisTransport struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTransport creates a transport on an existing client.
func NewRedisTransport(client *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, logger: logger}
}

func (t *RedisTransport) Publish(ctx context.Context, branchID string, payload []byte) error {
	if err := t.client.Publish(ctx, EventChannel(branchID), payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, deliver func([]byte)) (io.Closer, error) {
	pubsub := t.client.PSubscribe(ctx, eventChannelPattern)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("psubscribe", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	go sub.listen(loopCtx, deliver, t.logger)
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// listen reads pattern messages until the context ends or the
// subscription is closed. Receive errors are logged and retried.
func (s *redisSubscription) listen(ctx context.Context, deliver func([]byte), logger *slog.Logger) {
	defer close(s.done)

	logger.Info("subscribed to presence events", "pattern", eventChannelPattern)

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			logger.Error("redis receive error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		deliver([]byte(msg.Payload))
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.pubsub.Close()
		<-s.done
	})
	return s.closeErr
}
