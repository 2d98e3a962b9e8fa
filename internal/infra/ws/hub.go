package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"staysync/internal/chat"
)

// FrameSink receives non-membership frames read off client connections.
// Join/leave frames are handled by the hub itself.
type FrameSink interface {
	HandleFrame(ctx context.Context, frame chat.Frame)
}

// Hub is the gateway side of the event channel: it tracks connected clients,
// their conversation rooms and admin subscribers, and fans frames out.
type Hub struct {
	sink   FrameSink
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id     string
	userID string
	admin  bool
	conn   *websocket.Conn

	mu    sync.Mutex
	rooms map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub builds a hub delivering inbound frames to sink.
func NewHub(sink FrameSink, logger *slog.Logger) *Hub {
	return &Hub{
		sink:    sink,
		logger:  logger,
		clients: make(map[string]*hubClient),
	}
}

// HandleUpgrade upgrades an HTTP request and runs the connection's read loop
// until the peer goes away. The caller's identity arrives as a user_id query
// parameter; session handling lives outside this service.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		id:     fmt.Sprintf("%s-%p", userID, conn),
		userID: userID,
		conn:   conn,
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "client_id", client.id, "user_id", userID)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("websocket client disconnected", "client_id", client.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Error("websocket read error", "client_id", client.id, "error", err)
			}
			return
		}
		frame, err := chat.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("invalid frame dropped", "client_id", client.id, "error", err)
			continue
		}
		switch frame.Kind {
		case chat.KindJoinConversation:
			client.setRoom(frame.Join.ConversationID, !frame.Join.Leave)
		case chat.KindJoinAdmin:
			client.setAdmin(!frame.Join.Leave)
		default:
			if h.sink != nil {
				h.sink.HandleFrame(r.Context(), frame)
			}
		}
	}
}

// Broadcast sends a frame to every client in the conversation's room and to
// admin subscribers. excludeUserID filters the originator for typing relays.
func (h *Hub) Broadcast(conversationID string, frame chat.Frame, excludeUserID string) {
	data, err := chat.EncodeFrame(frame)
	if err != nil {
		h.logger.Error("broadcast encode failed", "kind", frame.Kind, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		if client.userID == excludeUserID {
			continue
		}
		if client.isAdmin() || client.inRoom(conversationID) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(data); err != nil {
			h.logger.Debug("websocket write failed", "client_id", client.id, "error", err)
		}
	}
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		client.conn.Close()
		delete(h.clients, id)
	}
}

func (c *hubClient) setRoom(conversationID string, member bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if member {
		c.rooms[conversationID] = struct{}{}
	} else {
		delete(c.rooms, conversationID)
	}
}

func (c *hubClient) inRoom(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

func (c *hubClient) setAdmin(admin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admin = admin
}

func (c *hubClient) isAdmin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admin
}

func (c *hubClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
