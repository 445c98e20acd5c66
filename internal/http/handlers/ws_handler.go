package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/auth"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/events"
	"go.uber.org/zap"
)

// messageWriter is the part of *websocket.Conn the hub writes to.
type messageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WSHub fans contract events out to the parties of each contract.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]messageWriter
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]messageWriter),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamContracts, h.dispatch)
}

func (h *WSHub) dispatch(event events.Event) {
	for _, raw := range event.Recipients() {
		userID, err := uuid.Parse(raw)
		if err != nil {
			h.log.Warn("event with malformed recipient", zap.String("type", event.Type), zap.String("recipient", raw))
			continue
		}
		h.SendToUser(userID, event)
	}
}

func (h *WSHub) SendToUser(userID uuid.UUID, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[userID] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("ws write failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
}

func (h *WSHub) register(userID uuid.UUID, conn messageWriter) {
	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], conn)
	h.mu.Unlock()
}

func (h *WSHub) unregister(userID uuid.UUID, conn messageWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.connections[userID]
	for i, c := range conns {
		if c == conn {
			h.connections[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[userID]) == 0 {
		delete(h.connections, userID)
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	userID := claims.UserID
	h.register(userID, conn)
	defer func() {
		h.unregister(userID, conn)
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
