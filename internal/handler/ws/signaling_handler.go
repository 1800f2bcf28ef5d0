package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storylab-backend/internal/domain"
	"storylab-backend/internal/middleware"
	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/constants"
	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
	"storylab-backend/pkg/response"
)

// CallLookup resolves the records behind a signaling topic
type CallLookup interface {
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	ListRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error)
}

// SignalingHub relays signaling frames between websocket clients and a
// signaling bus. Each connection is bound to one call topic.
type SignalingHub struct {
	bus     signaling.Bus
	calls   CallLookup
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
	active         atomic.Int64
}

// SignalingClient is one websocket connection subscribed to a topic
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	sub    signaling.Subscription
	userID uuid.UUID
	topic  string

	writeMu sync.Mutex
}

// NewSignalingHub creates a new signaling hub. An empty Origin header is
// accepted so native clients can connect. Only participants of the call
// behind a topic may join it.
func NewSignalingHub(bus signaling.Bus, calls CallLookup, allowedOrigins []string, maxConns int, m *metrics.Metrics) *SignalingHub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &SignalingHub{
		bus:     bus,
		calls:   calls,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket requests for signaling
// GET /v1/calls/ws/signaling?topic=call:<id or room>
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}
	release := func() { <-h.semaphore }

	topic := c.Query("topic")
	if !strings.HasPrefix(topic, constants.SignalingTopicPrefix) || len(topic) == len(constants.SignalingTopicPrefix) {
		release()
		response.ValidationError(c, "topic must start with "+constants.SignalingTopicPrefix)
		return
	}

	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		release()
		response.Unauthorized(c, "unauthorized")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		release()
		response.InternalError(c, "invalid user_id")
		return
	}

	if err := h.authorize(c.Request.Context(), topic, userID); err != nil {
		release()
		logger.Warn("Signaling topic access denied",
			zap.String("topic", topic),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	// Subscribe before upgrading so no frame published after the handshake is missed
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		release()
		logger.Error("Failed to subscribe signaling topic",
			zap.String("topic", topic),
			zap.Error(err))
		response.FromError(c, apperrors.ServiceUnavailableError("signaling unavailable"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		cancel()
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("topic", topic),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		sub:    sub,
		userID: userID,
		topic:  topic,
	}
	h.track(1)

	logger.Debug("Signaling client connected",
		zap.String("topic", topic),
		zap.String("user_id", userID.String()))

	go client.writePump(ctx)
	go func() {
		client.readPump(ctx)
		cancel()
		sub.Close()
		conn.Close()
		h.track(-1)
		release()
	}()
}

// authorize resolves the topic suffix as a call id, falling back to a room
// id, and requires userID to be a party to one of the matching records
func (h *SignalingHub) authorize(ctx context.Context, topic string, userID uuid.UUID) error {
	key := strings.TrimPrefix(topic, constants.SignalingTopicPrefix)

	var records []*domain.CallRecord
	if callID, err := uuid.Parse(key); err == nil {
		record, err := h.calls.Get(ctx, callID)
		if err != nil {
			return err
		}
		records = []*domain.CallRecord{record}
	} else {
		records, err = h.calls.ListRoom(ctx, key)
		if err != nil {
			return err
		}
	}

	for _, record := range records {
		if record.Involves(userID) {
			return nil
		}
	}
	return apperrors.ForbiddenError("not a participant of this call")
}

func (h *SignalingHub) track(delta int64) {
	n := h.active.Add(delta)
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(int(n))
	}
}

// readPump forwards client frames to the bus. Frames that do not decode or
// that claim another sender are dropped.
func (c *SignalingClient) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("topic", c.topic),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		msg, err := signaling.Decode(frame)
		if err != nil {
			logger.Warn("Invalid signaling frame",
				zap.String("topic", c.topic),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}
		if msg.From() != c.userID {
			logger.Warn("Dropping signaling frame with spoofed sender",
				zap.String("topic", c.topic),
				zap.String("user_id", c.userID.String()),
				zap.String("from", msg.From().String()))
			continue
		}

		if err := c.hub.bus.Publish(ctx, c.topic, frame); err != nil {
			logger.Warn("Failed to relay signaling frame",
				zap.String("topic", c.topic),
				zap.Error(err))
			continue
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordSignalingMessage(string(msg.Event()), "in")
		}
	}
}

// writePump writes bus payloads to the client and keeps the connection alive
func (c *SignalingClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case payload, ok := <-c.sub.Messages():
			if !ok {
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *SignalingClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}
