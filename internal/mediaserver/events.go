package mediaserver

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local control surface; the LAN is the trust boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans application events out to websocket subscribers. Slow
// or dead clients are dropped rather than allowed to block the
// broadcast path.
type EventHub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	// Serializes writes; a gorilla connection allows one writer at a
	// time and both Broadcast and the ping loop write.
	writeMu sync.Mutex
}

func NewEventHub(logger *log.Logger) *EventHub {
	if logger == nil {
		logger = log.Default()
	}
	return &EventHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleWS upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("event subscriber connected (%d total)", n)

	go h.pingLoop(conn)
	go h.readLoop(conn)
}

// Broadcast sends one JSON-encoded event to every subscriber.
func (h *EventHub) Broadcast(event any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.writeMu.Lock()
		c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := c.WriteJSON(event)
		h.writeMu.Unlock()
		if err != nil {
			h.drop(c)
		}
	}
}

// SubscriberCount reports connected clients.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every subscriber.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// readLoop drains inbound frames so pongs and close frames are
// processed; any read error unregisters the client.
func (h *EventHub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *EventHub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.Lock()
		_, alive := h.clients[conn]
		h.mu.Unlock()
		if !alive {
			return
		}
		h.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		h.writeMu.Unlock()
		if err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	if present {
		h.logger.Printf("event subscriber disconnected (%d total)", n)
	}
}
