package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/electr1fy0/presence/internal/metrics"
	"github.com/electr1fy0/presence/internal/presence"
)

// ServeWS upgrades to WS, binds the socket to its branch's hub and registers
// it with the presence registry. Also starts RW pumps per client.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	q := r.URL.Query()
	branchID, userID := q.Get("branchId"), q.Get("userId")
	if branchID == "" || userID == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "branchId and userId are required")
		return
	}

	hub := m.hubFor(branchID)
	connCtx, cancel := context.WithCancel(context.Background())
	connID := uuid.NewString()
	c := &client{
		hub:      hub,
		manager:  m,
		conn:     conn,
		send:     make(chan []byte, bufSize),
		branchID: branchID,
		userID:   userID,
		id:       connID,
		limiter:  rate.NewLimiter(rate.Limit(m.opts.MessageRate), m.opts.MessageBurst),
		logger:   m.logger.With("branch_id", branchID, "user_id", userID, "conn_id", connID),
		cancel:   cancel,
	}

	select {
	case hub.register <- c:
	case <-hub.done:
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	m.track(branchID, 1)

	// The hub already holds c, so c receives the events its own registration emits.
	regCtx, cancelReg := context.WithTimeout(r.Context(), m.opts.StoreTimeout)
	defer cancelReg()
	meta := presence.Metadata{
		Name:     q.Get("name"),
		PhotoURL: q.Get("photoUrl"),
		Role:     q.Get("role"),
	}
	if _, err := m.registry.RegisterConnection(regCtx, branchID, userID, connID, meta); err != nil {
		c.logger.Error("failed to register connection", "error", err)
		metrics.RecordDroppedClient("register_failed")
		c.close(websocket.StatusTryAgainLater, "presence unavailable")
		return
	}

	go c.readPump(connCtx)
	go c.writePump(connCtx)
}
