package gateway

import (
	"context"

	"github.com/electr1fy0/presence/internal/metrics"
)

func (h *hub) removeClient(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// deliver queues data for c, dropping c if it cannot keep up.
func (h *hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		metrics.RecordDroppedClient("slow_consumer")
		h.removeClient(c)
	}
}

// enqueue hands a message to the hub loop unless the hub has stopped.
func (h *hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// run is the single owner of hub state.
func (h *hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.removeClient(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			if msg.client != nil {
				if h.clients[msg.client] {
					h.deliver(msg.client, msg.data)
				}
				continue
			}
			for c := range h.clients {
				if c.branchID == msg.branchID {
					h.deliver(c, msg.data)
				}
			}
		}
	}
}
