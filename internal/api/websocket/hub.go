package websocket

import (
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenStageCore/internal/auth"
	"go.uber.org/zap"
)

// MachineStatusProvider supplies the snapshot sent to a client right after
// it authenticates.
type MachineStatusProvider interface {
	GetStatus() any
}

// Hub fans stage events out to authenticated clients. Only Run touches the
// client set's send channels.
type Hub struct {
	logger      *zap.Logger
	authService *auth.AuthService

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	providerMu sync.RWMutex
	provider   MachineStatusProvider

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	return &Hub{
		logger:      logger,
		authService: authService,
		clients:     make(map[*Client]struct{}),
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		stopChan:    make(chan struct{}),
	}
}

func (h *Hub) SetMachineStatusProvider(provider MachineStatusProvider) {
	h.providerMu.Lock()
	h.provider = provider
	h.providerMu.Unlock()
}

// MachineStatus returns the provider's snapshot, or nil without a provider.
func (h *Hub) MachineStatus() any {
	h.providerMu.RLock()
	p := h.provider
	h.providerMu.RUnlock()
	if p == nil {
		return nil
	}
	return p.GetStatus()
}

// Run owns client registration and delivery until Stop.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.stopChan:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", c.id.String()),
				zap.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", c.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message",
			zap.String("message_type", string(msg.Type)),
			zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.drop(c)
			h.logger.Warn("WebSocket client too slow, dropped",
				zap.String("client_id", c.id.String()))
		}
	}
}

// Broadcast never blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast queue full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
