package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/electr1fy0/presence/internal/presence"
)

// Registry is the part of the presence registry the gateway drives.
type Registry interface {
	RegisterConnection(ctx context.Context, branchID, userID, connID string, meta presence.Metadata) (presence.RegisterResult, error)
	DeregisterConnection(ctx context.Context, connID string) (*presence.DeregisterResult, error)
	ListMembers(ctx context.Context, branchID string) ([]presence.Member, error)
	ListAllOnline(ctx context.Context) (map[string][]presence.Member, error)
	SubscribeAll(fn presence.Listener) (unsubscribe func())
	Ping(ctx context.Context) error
	Mode() presence.Mode
}

// Options tunes the gateway.
type Options struct {
	// MessageRate and MessageBurst limit inbound client messages per connection.
	MessageRate  float64
	MessageBurst int
	// StoreTimeout bounds registry calls made on connect and disconnect.
	StoreTimeout time.Duration
	// ResyncInterval pushes fresh member lists to local clients. Zero disables it.
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

type Manager struct {
	hubs     []*hub
	registry Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	branches map[string]int // branch -> live local connections
	live     int

	unsubscribe func()
}

// Frame is every message the gateway writes to clients.
type Frame struct {
	Type     string `json:"type"`
	BranchID string `json:"branchId,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
}

// outbound targets either every client of a branch or one client.
type outbound struct {
	branchID string
	client   *client
	data     []byte
}

type hub struct {
	id         string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	done       chan struct{}
}

type client struct {
	hub       *hub
	manager   *Manager
	conn      *websocket.Conn
	send      chan []byte
	branchID  string
	userID    string
	id        string
	limiter   *rate.Limiter
	logger    *slog.Logger
	cancel    context.CancelFunc
	closeOnce sync.Once
}
