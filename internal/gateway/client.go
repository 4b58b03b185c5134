package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/electr1fy0/presence/internal/metrics"
)

// close tears the client down once: leaves the hub, closes the socket and
// deregisters the connection from the registry.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close(code, reason)
		if c.cancel != nil {
			c.cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.manager.opts.StoreTimeout)
		defer cancel()
		if _, err := c.manager.registry.DeregisterConnection(ctx, c.id); err != nil {
			c.logger.Error("failed to deregister connection", "error", err)
		}
		c.manager.track(c.branchID, -1)
		c.logger.Debug("client closed", "reason", reason)
	})
}

// reply queues a frame for this client only.
func (c *client) reply(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	c.hub.enqueue(outbound{client: c, data: data})
}

// readPump handles control messages from one client.
func (c *client) readPump(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "read loop closed")

	c.conn.SetReadLimit(readLimit)

	for {
		_, payload, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			metrics.RecordDroppedClient("rate_limited")
			c.close(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.reply(Frame{Type: frameError, Data: "invalid message"})
			continue
		}

		switch msg.Type {
		case msgMembers:
			callCtx, cancel := context.WithTimeout(ctx, c.manager.opts.StoreTimeout)
			members, err := c.manager.registry.ListMembers(callCtx, c.branchID)
			cancel()
			if err != nil {
				c.logger.Error("failed to list members", "error", err)
				c.reply(Frame{Type: frameError, BranchID: c.branchID, Data: "presence unavailable"})
				continue
			}
			c.reply(Frame{Type: frameMembers, BranchID: c.branchID, Data: members})
		case msgPing:
			c.reply(Frame{Type: framePong})
		default:
			c.reply(Frame{Type: frameError, Data: "unknown message type"})
		}
	}
}

// writePump sends outbound messages to the clients ws conn.
// Tick is used for pings.
func (c *client) writePump(ctx context.Context) {
	tick := time.Tick(pingPeriod)
	defer c.close(websocket.StatusNormalClosure, "write loop closed")

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				return
			}
			cancel()

		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			if err := c.conn.Ping(pingCtx); err != nil {
				cancel()
				return
			}
			cancel()
		}
	}
}
