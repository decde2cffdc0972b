// Package ws carries the signaling surface: one WebSocket per party over
// which the presence, invitation, and session events flow.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/presence"
	redisRepo "consultlink-backend/internal/repository/redis"
	"consultlink-backend/internal/service/broker"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/env"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

// Inbound signaling event names
const (
	EventRegister        = "register"
	EventCallRequest     = "call_request"
	EventAcceptCall      = "accept_call"
	EventRejectCall      = "reject_call"
	EventEndCall         = "end_call"
	EventUserReconnected = "user_reconnected"
)

// Envelope is the wire format for every signaling event, both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BrokerHub accepts signaling connections and dispatches their events into
// the session broker. Unlike a broadcast hub, delivery here is always
// point-to-point through the presence registry.
type BrokerHub struct {
	registry  *presence.Registry
	broker    *broker.Service
	directory *redisRepo.DirectoryRepository
	metrics   *metrics.Metrics

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// BrokerClient is one party's live signaling connection. It implements
// presence.Conn, so the broker can deliver events through it directly.
type BrokerClient struct {
	hub         *BrokerHub
	conn        *websocket.Conn
	send        chan []byte
	userID      uuid.UUID
	displayName string

	// mu guards closed: the broker may call Send from timer goroutines
	// while the read side is tearing the connection down
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// registerPayload announces the party behind the connection. The identity
// must match the authenticated principal.
type registerPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type callRequestPayload struct {
	RequesterID     uuid.UUID `json:"requester_id"`
	RequesterName   string    `json:"requester_name"`
	AdvisorID       uuid.UUID `json:"advisor_id"`
	DurationSeconds int       `json:"duration_seconds"`
}

type acceptCallPayload struct {
	RequesterID     uuid.UUID `json:"requester_id"`
	Room            string    `json:"room"`
	DurationSeconds int       `json:"duration_seconds"`
}

type rejectCallPayload struct {
	Room string `json:"room"`
}

type endCallPayload struct {
	Room string `json:"room"`
}

type reconnectPayload struct {
	Room string `json:"room"`
}

var brokerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// allowedOrigins reads the comma-separated WS_ALLOWED_ORIGINS list
func allowedOrigins() []string {
	raw := env.GetString("WS_ALLOWED_ORIGINS", "http://localhost:3000")

	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// NewBrokerHub creates the signaling hub
func NewBrokerHub(registry *presence.Registry, brokerSvc *broker.Service, directory *redisRepo.DirectoryRepository, m *metrics.Metrics) *BrokerHub {
	maxConns := env.GetInt("WS_MAX_CONNECTIONS", 1000)
	if maxConns <= 0 {
		maxConns = 1000
	}

	return &BrokerHub{
		registry:       registry,
		broker:         brokerSvc,
		directory:      directory,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS upgrades an authenticated request to a signaling connection
func (h *BrokerHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-h.semaphore
		}
	}

	// Identity comes from the auth middleware, never from the client payload
	userIDVal, exists := c.Get("user_id")
	if !exists {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	displayName := ""
	if nameVal, ok := c.Get("display_name"); ok {
		if name, ok := nameVal.(string); ok {
			displayName = name
		}
	}

	conn, err := brokerUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &BrokerClient{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, 256),
		userID:      userID,
		displayName: displayName,
	}

	if h.metrics != nil {
		h.metrics.WebSocketConnected()
	}

	go client.writePump()
	go func() {
		defer release()
		client.readPump()
	}()
}

// Send delivers one event through the connection's buffered send queue. A
// full queue means the client stopped draining; the event is dropped and the
// write pump's deadline will tear the connection down.
func (c *BrokerClient) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.ProtocolError("connection closed")
	}

	select {
	case c.send <- frame:
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(event, "outbound")
		}
		return nil
	default:
		return apperrors.ProtocolError("send buffer full")
	}
}

// readPump reads and dispatches inbound events until the connection drops
func (c *BrokerClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		// A live pong doubles as the online-directory heartbeat
		if c.hub.directory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c.hub.directory.Refresh(ctx, c.userID, constants.DirectoryEntryTTL)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(env.Event, "inbound")
		}

		if err := c.dispatch(env); err != nil {
			appErr := apperrors.GetAppError(err)
			logger.Debug("Signaling event rejected",
				zap.String("user_id", c.userID.String()),
				zap.String("event", env.Event),
				zap.String("code", string(appErr.Code)))
			c.Send(broker.EventCallFailed, broker.CallFailedPayload{Message: appErr.Message})
		}
	}
}

// dispatch routes one inbound event to the matching broker operation
func (c *BrokerClient) dispatch(env Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Event {
	case EventRegister:
		var payload registerPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed register payload")
		}
		if payload.UserID != uuid.Nil && payload.UserID != c.userID {
			return apperrors.ProtocolError("register identity does not match authenticated user")
		}

		c.hub.registry.Register(c.userID, c)
		if c.hub.directory != nil {
			if err := c.hub.directory.SetOnline(ctx, c.userID, constants.DirectoryEntryTTL); err != nil {
				logger.Warn("Failed to mirror presence to directory",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
		}
		logger.Info("Party registered",
			zap.String("user_id", c.userID.String()))
		return nil

	case EventCallRequest:
		var payload callRequestPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed call_request payload")
		}
		if payload.RequesterID != uuid.Nil && payload.RequesterID != c.userID {
			return apperrors.ProtocolError("requester identity does not match authenticated user")
		}
		requesterName := payload.RequesterName
		if requesterName == "" {
			requesterName = c.displayName
		}
		return c.hub.broker.RequestCall(ctx, c.userID, requesterName, payload.AdvisorID, payload.DurationSeconds)

	case EventAcceptCall:
		var payload acceptCallPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed accept_call payload")
		}
		return c.hub.broker.AcceptCall(ctx, c.userID, payload.RequesterID, payload.Room, payload.DurationSeconds)

	case EventRejectCall:
		var payload rejectCallPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed reject_call payload")
		}
		return c.hub.broker.RejectCall(ctx, c.userID, payload.Room)

	case EventEndCall:
		var payload endCallPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed end_call payload")
		}
		// Only a participant may hang up the room
		room, ok := c.hub.broker.ActiveRoom(c.userID)
		if !ok || room != payload.Room {
			return apperrors.SessionNotFoundError()
		}
		return c.hub.broker.EndSession(ctx, payload.Room, domain.EndCauseHangup)

	case EventUserReconnected:
		var payload reconnectPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return apperrors.ProtocolError("malformed user_reconnected payload")
		}
		if err := c.hub.broker.HandleReconnect(c.userID, payload.Room, c); err != nil {
			return err
		}
		if c.hub.directory != nil {
			c.hub.directory.SetOnline(ctx, c.userID, constants.DirectoryEntryTTL)
		}
		return nil

	default:
		return apperrors.ProtocolError("unknown event: " + env.Event)
	}
}

// teardown runs once when the read side ends: the presence entry is removed
// only if this handle still owns it, so a disconnect racing a reconnection
// never evicts the fresh connection.
func (c *BrokerClient) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.conn.Close()

		if c.hub.metrics != nil {
			c.hub.metrics.WebSocketDisconnected()
		}

		if !c.hub.registry.Remove(c.userID, c) {
			// A newer handle owns the identity; nothing else to do
			return
		}

		if c.hub.directory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.hub.directory.SetOffline(ctx, c.userID); err != nil {
				logger.Warn("Failed to clear directory entry",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
		}

		c.hub.broker.HandleDisconnect(c.userID)
	})
}

// writePump writes queued frames and keepalive pings to the WebSocket
func (c *BrokerClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
