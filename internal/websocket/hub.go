package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailsync/internal/models"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection.
// gorilla/websocket allows one concurrent writer, so writes go through mu.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per owner.
// It supports multiple connections per owner (e.g., multiple tabs).
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // owner email -> set of clients
	maxPerUser int
	logger     *logrus.Logger
}

// NewHub creates a new Hub with a per-owner connection limit.
func NewHub(maxPerUser int, logger *logrus.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerUser: maxPerUser,
		logger:     logger,
	}
}

// Register adds a WebSocket connection for the given owner. first reports whether the owner
// had no other connection, decided under the same lock as the insert.
// If the per-owner limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(owner string, conn *websocket.Conn) (client *Client, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ownerClients, ok := h.clients[owner]
	if !ok {
		ownerClients = make(map[*Client]struct{})
		h.clients[owner] = ownerClients
	}

	if len(ownerClients) >= h.maxPerUser {
		h.logger.WithField("owner", owner).Warnf("websocket: owner exceeded max connections (%d), closing new connection", h.maxPerUser)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this user"),
			// Zero deadline: best effort.
			time.Time{},
		)
		_ = conn.Close()
		return nil, false
	}

	client = &Client{conn: conn}
	ownerClients[client] = struct{}{}
	return client, len(ownerClients) == 1
}

// Unregister removes a client for the given owner and closes the connection.
func (h *Hub) Unregister(owner string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ownerClients, ok := h.clients[owner]; ok {
		delete(ownerClients, client)
		if len(ownerClients) == 0 {
			delete(h.clients, owner)
		}
	}

	_ = client.conn.Close()
}

// Send broadcasts a message to all active clients of the owner.
func (h *Hub) Send(owner string, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[owner]))
	for client := range h.clients[owner] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.WithField("owner", owner).Warnf("websocket: failed to write message: %v", err)
			go h.Unregister(owner, client)
		}
	}
}

// ProgressMessage is the envelope pushed to browsers for every sync progress event.
type ProgressMessage struct {
	Type string `json:"type"`
	models.SyncProgress
}

// SendProgress pushes a sync_progress message to the owner's clients.
func (h *Hub) SendProgress(owner string, progress models.SyncProgress) {
	payload, err := json.Marshal(ProgressMessage{Type: "sync_progress", SyncProgress: progress})
	if err != nil {
		h.logger.Errorf("websocket: failed to marshal sync_progress message: %v", err)
		return
	}
	h.Send(owner, payload)
}

// ActiveConnections returns the number of active WebSocket connections for an owner.
func (h *Hub) ActiveConnections(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[owner])
}
