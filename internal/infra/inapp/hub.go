package inapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"notiflow/internal/common"
	"notiflow/internal/domain/notification"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024

	frameTimeout = 10 * time.Second
)

// InteractionRecorder applies interactions reported over a socket.
type InteractionRecorder interface {
	Get(ctx context.Context, id string) (*notification.Notification, error)
	RecordInteraction(ctx context.Context, id string, ev notification.InteractionRequest) (*notification.Notification, error)
}

// clientFrame is what a client sends to report an action on one of its
// notifications.
type clientFrame struct {
	NotificationID string `json:"notification_id"`
	notification.InteractionRequest
}

// client is one open socket. A user may hold several.
type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks open sockets and forwards events received on Topic to the
// sockets of the addressed user.
type Hub struct {
	redis    *redis.Client
	upgrader websocket.Upgrader
	recorder InteractionRecorder

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates a hub. An empty allowedOrigins or "*" accepts any origin.
func NewHub(rdb *redis.Client, allowedOrigins []string) *Hub {
	h := &Hub{
		redis:   rdb,
		clients: make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// WithRecorder makes the hub apply interaction frames sent by clients.
// Without one, client frames are ignored.
func (h *Hub) WithRecorder(r InteractionRecorder) *Hub {
	h.recorder = r
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Run subscribes to Topic and fans events out until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.redis.Subscribe(ctx, Topic)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	slog.Info("in-app hub subscribed", "topic", Topic)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.forward([]byte(msg.Payload))
		}
	}
}

func (h *Hub) forward(data []byte) {
	var ev struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
		slog.Warn("dropping malformed in-app event", "error", err)
		return
	}
	h.SendToUser(ev.UserID, data)
}

// SendToUser queues data on every socket of userID and reports whether any
// socket was connected.
func (h *Hub) SendToUser(userID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.clients[userID]
	for c := range conns {
		select {
		case c.send <- data:
		default:
			slog.Warn("in-app client too slow, dropping event", "user_id", userID)
		}
	}
	return len(conns) > 0
}

// Connected returns the number of open sockets for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.userID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for c := range conns {
			close(c.send)
		}
		delete(h.clients, userID)
	}
}

// Stream handles GET /api/v1/stream?user_id=
// Upgrades to a websocket that receives the user's in-app notifications.
func (h *Hub) Stream(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		common.HandleError(c, common.NewValidationError("user_id is required"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	cl := &client{userID: userID, conn: conn, send: make(chan []byte, 64)}
	h.register(cl)
	slog.Info("in-app client connected", "user_id", userID)

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump services control frames and applies interaction frames.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		slog.Info("in-app client disconnected", "user_id", c.userID)
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		if kind == websocket.TextMessage {
			h.handleFrame(c, data)
		}
	}
}

// handleFrame records the interaction a client reported and answers with an
// ack carrying the new status, or an error event.
func (h *Hub) handleFrame(c *client, data []byte) {
	if h.recorder == nil {
		return
	}
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.NotificationID == "" {
		h.reply(c, Event{Type: EventError, UserID: c.userID, Error: "frame must be JSON with notification_id and type"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	// Sockets may only touch their own user's notifications.
	n, err := h.recorder.Get(ctx, f.NotificationID)
	if err != nil || n.UserID != c.userID {
		h.reply(c, Event{Type: EventError, UserID: c.userID, NotificationID: f.NotificationID, Error: "notification not found"})
		return
	}

	updated, err := h.recorder.RecordInteraction(ctx, f.NotificationID, f.InteractionRequest)
	if err != nil {
		slog.Debug("socket interaction rejected",
			"notification_id", f.NotificationID,
			"user_id", c.userID,
			"error", err,
		)
		h.reply(c, Event{Type: EventError, UserID: c.userID, NotificationID: f.NotificationID, Error: err.Error()})
		return
	}
	h.reply(c, Event{
		Type:           EventInteraction,
		UserID:         c.userID,
		NotificationID: updated.ID,
		Status:         string(updated.Status),
	})
}

// reply queues ev on c unless the socket is already gone.
func (h *Hub) reply(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.userID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("in-app client too slow, dropping reply", "user_id", c.userID)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
