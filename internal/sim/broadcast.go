package sim

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans frames out to every stream client. A client whose
// buffer is full is disconnected rather than allowed to stall the device.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

func newBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// add registers conn and queues first as its opening frame.
func (b *Broadcaster) add(conn *websocket.Conn, first []byte) *client {
	c := newClient(conn)
	if first != nil {
		c.send <- first
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[c] {
		delete(b.clients, c)
		close(c.send)
	}
}

// Broadcast queues data for every client without blocking.
func (b *Broadcaster) Broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("dropping slow stream client", "remote", c.conn.RemoteAddr())
			delete(b.clients, c)
			close(c.send)
		}
	}
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
