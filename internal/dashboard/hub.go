package dashboard

import (
	"sync"

	"github.com/coder/websocket"
)

// clientQueue is the number of encoded messages buffered per client.
const clientQueue = 256

// client is one WebSocket connection and its outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, clientQueue)}
}

// hub is the set of connected clients. Messages are queued per client so a
// slow reader never delays the engine; a client whose queue is full is
// removed and returned to the caller to close.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

// add registers c with first queued ahead of any later message.
func (h *hub) add(c *client, first []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if first != nil {
		c.send <- first
	}
	h.clients[c] = struct{}{}
	return len(h.clients)
}

// remove unregisters c and closes its queue. It reports whether c was
// registered.
func (h *hub) remove(c *client) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false, len(h.clients)
	}
	delete(h.clients, c)
	close(c.send)
	return true, len(h.clients)
}

// publish queues data for every client and returns the clients dropped
// because their queue was full.
func (h *hub) publish(data []byte) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			slow = append(slow, c)
		}
	}
	return slow
}

// drain removes every client and returns them.
func (h *hub) drain() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		all = append(all, c)
	}
	return all
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
