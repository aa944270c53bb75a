// Package transport carries collaboration traffic over WebSockets. The hub
// implements collab.Broadcaster: it owns the connection registry and the
// room-addressed fan-out, while all session and lock state stays in
// internal/collab.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowforge/api/internal/auth"
	"flowforge/api/internal/collab"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// serverMessage is the outbound JSON envelope.
type serverMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// clientMessage is the inbound JSON envelope.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connection struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	send     chan serverMessage

	mu     sync.Mutex
	closed bool
}

// trySend queues a message without blocking the hub. A full buffer means the
// consumer is too slow; the message is dropped and the socket will fall
// behind rather than stall every room peer.
func (c *connection) trySend(message serverMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub upgrades sockets, pumps messages, and routes events to room members.
type Hub struct {
	secret      []byte
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	coordinator *collab.Coordinator

	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]*connection
}

func NewHub(secret []byte, logger *zap.Logger) *Hub {
	return &Hub{
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workspace access is enforced by the API layer; the socket
			// endpoint accepts any origin the deployment's CORS allows.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]*connection),
	}
}

// Bind attaches the coordinator. The hub and coordinator reference each
// other (hub dispatches inbound operations, coordinator emits through the
// hub), so the coordinator is constructed second and bound here.
func (h *Hub) Bind(coordinator *collab.Coordinator) {
	h.coordinator = coordinator
}

// Emit implements collab.Broadcaster.
func (h *Hub) Emit(event collab.Event) {
	message := serverMessage{Event: event.Name, Data: event.Payload}

	if event.ConnID != "" {
		h.mu.RLock()
		conn := h.conns[event.ConnID]
		h.mu.RUnlock()
		if conn != nil && !conn.trySend(message) {
			h.logger.Warn("dropped direct event", zap.String("event", event.Name), zap.String("connId", event.ConnID))
		}
		return
	}

	h.mu.RLock()
	members := make([]*connection, 0, len(h.rooms[event.Room]))
	for _, conn := range h.rooms[event.Room] {
		if conn.id == event.Exclude {
			continue
		}
		members = append(members, conn)
	}
	h.mu.RUnlock()

	for _, conn := range members {
		if !conn.trySend(message) {
			h.logger.Warn("dropped room event",
				zap.String("event", event.Name),
				zap.String("room", event.Room),
				zap.String("connId", conn.id),
			)
		}
	}
}

func (h *Hub) addToRoom(roomID string, conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*connection)
		h.rooms[roomID] = members
	}
	members[conn.id] = conn
}

func (h *Hub) removeFromRoom(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) removeConn(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	for roomID, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection. The token query parameter carries the
// verified identity; the hub does no further permission checks.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.ParseToken(h.secret, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan serverMessage, sendBufferSize),
	}
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.String("connId", conn.id),
		zap.String("userId", identity.UserID),
	)

	go h.writePump(conn)
	h.readPump(conn)
}

func (h *Hub) readPump(conn *connection) {
	defer func() {
		// Exactly one disconnect per physical connection: room membership is
		// torn down first so leave broadcasts reach only the survivors.
		h.removeConn(conn.id)
		h.coordinator.Disconnect(conn.id)
		conn.shutdown()
		_ = conn.ws.Close()
		h.logger.Info("client disconnected", zap.String("connId", conn.id))
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("connId", conn.id), zap.Error(err))
			}
			return
		}

		var message clientMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			conn.trySend(serverMessage{Event: "error", Data: map[string]any{"message": "invalid message"}})
			continue
		}
		h.dispatch(conn, message)
	}
}

func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) dispatch(conn *connection, message clientMessage) {
	switch message.Event {
	case "join-process":
		var data struct {
			ProcessID string `json:"processId"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil || data.ProcessID == "" {
			conn.trySend(serverMessage{Event: "error", Data: map[string]any{"message": "processId required"}})
			return
		}
		h.addToRoom(data.ProcessID, conn)
		h.coordinator.Join(data.ProcessID, conn.id, collab.Identity{
			UserID:    conn.identity.UserID,
			Name:      conn.identity.Name,
			Email:     conn.identity.Email,
			AvatarURL: conn.identity.AvatarURL,
		})

	case "leave-process":
		var data struct {
			ProcessID string `json:"processId"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.removeFromRoom(data.ProcessID, conn.id)
		h.coordinator.Leave(data.ProcessID, conn.id)

	case "cursor-move":
		var data struct {
			ProcessID string        `json:"processId"`
			Cursor    collab.Cursor `json:"cursor"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.UpdateCursor(data.ProcessID, conn.id, data.Cursor)

	case "editing-status":
		var data struct {
			ProcessID string `json:"processId"`
			IsEditing bool   `json:"isEditing"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.SetEditing(data.ProcessID, conn.id, data.IsEditing)

	case "request-lock":
		var data struct {
			ProcessID string `json:"processId"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.RequestLock(data.ProcessID, conn.id)

	case "release-lock":
		var data struct {
			ProcessID string `json:"processId"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.ReleaseLock(data.ProcessID, conn.id)

	case "process-update":
		var data struct {
			ProcessID string          `json:"processId"`
			Update    json.RawMessage `json:"update"`
			Version   int             `json:"version"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.Update(data.ProcessID, conn.id, data.Update, data.Version)

	case "add-comment":
		var data struct {
			ProcessID   string `json:"processId"`
			ElementID   string `json:"elementId"`
			CommentText string `json:"commentText"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return
		}
		h.coordinator.AddComment(context.Background(), data.ProcessID, conn.id, data.ElementID, data.CommentText)

	case "ping":
		var data struct {
			ProcessID string `json:"processId"`
		}
		_ = json.Unmarshal(message.Data, &data)
		h.coordinator.Ping(data.ProcessID, conn.id)

	default:
		conn.trySend(serverMessage{Event: "error", Data: map[string]any{"message": "unknown event"}})
	}
}
