package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// must stay below pongWait
	pingPeriod = pongWait * 9 / 10

	authWait       = 10 * time.Second
	maxMessageSize = 8192

	// position frames arrive at the poll rate; a client that falls this far
	// behind is dropped by the hub
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the REST layer applies CORS and the first frame must carry a JWT
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is every frame a client may send.
type clientMessage struct {
	Type   string        `json:"type"`
	Token  string        `json:"token,omitempty"`
	Topics []MessageType `json:"topics,omitempty"`
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
	id     uuid.UUID

	userID      uuid.UUID
	permissions []auth.Permission

	mu     sync.RWMutex
	topics map[MessageType]bool // nil means everything
}

// wants reports whether the client subscribed to t.
func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics == nil || c.topics[t]
}

func (c *Client) subscribe(topics []MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(topics) == 0 {
		c.topics = nil
		return
	}
	c.topics = make(map[MessageType]bool, len(topics))
	for _, t := range topics {
		c.topics[t] = true
	}
}

var errNotAuth = errors.New("first message must be authentication")

// authenticate blocks for the handshake frame and validates its token.
func (c *Client) authenticate() error {
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Type != "auth" {
		return errNotAuth
	}
	if msg.Token == "" {
		return errors.New("missing token in auth message")
	}

	claims, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		return errors.New("invalid or expired token")
	}

	c.userID = claims.UserID
	c.permissions = permissions
	c.conn.SetReadDeadline(time.Time{})

	c.logger.Info("WebSocket client authenticated",
		zap.String("client_id", c.id.String()),
		zap.String("username", claims.Username),
		zap.String("remote_addr", c.conn.RemoteAddr().String()))
	return nil
}

// serve runs the handshake on the connection goroutine, then hands the
// client to the hub and starts the pumps.
func (c *Client) serve() {
	if err := c.authenticate(); err != nil {
		c.writeDirect(map[string]any{
			"type":      "auth_failed",
			"timestamp": time.Now(),
			"reason":    err.Error(),
		})
		c.conn.Close()
		return
	}

	c.queue(map[string]any{
		"type":        "auth_success",
		"timestamp":   time.Now(),
		"client_id":   c.id,
		"permissions": c.permissions,
	})
	if status := c.hub.MachineStatus(); status != nil {
		c.queue(NewMessage(MessageTypeSystemStatus, status))
	}

	select {
	case c.hub.register <- c:
	case <-c.hub.stopChan:
		c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// writeDirect is only safe before writePump runs.
func (c *Client) writeDirect(v any) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("WebSocket write failed", zap.Error(err))
	}
}

// queue puts v on the send buffer ahead of hub traffic.
func (c *Client) queue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal client message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", c.id.String()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Topics)
			c.logger.Debug("WebSocket subscription changed",
				zap.String("client_id", c.id.String()),
				zap.Any("topics", msg.Topics))
		default:
			c.logger.Debug("Ignoring client message",
				zap.String("client_id", c.id.String()),
				zap.String("type", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one frame per message; clients parse each frame as a single JSON document
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and serves the client until it disconnects.
// Clients are registered with the hub only after a valid auth frame.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
		id:     uuid.New(),
	}
	go c.serve()
}
