package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/session"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/response"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8084": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8084": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// clientMessage is the small set of messages the UI may send upstream.
type clientMessage struct {
	Type string `json:"type"`
}

// EventsHandler streams call events to the UI over WebSocket. One
// connection per user: connecting attaches the user to the call engine
// (marking them online), disconnecting detaches them.
type EventsHandler struct {
	engine  *session.Engine
	metrics *metrics.Metrics
}

// NewEventsHandler creates the WebSocket events handler. metrics may be nil.
func NewEventsHandler(engine *session.Engine, m *metrics.Metrics) *EventsHandler {
	return &EventsHandler{engine: engine, metrics: m}
}

// Handle upgrades the connection and runs the event stream
// GET /v1/ws/events
func (h *EventsHandler) Handle(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(string)
	if !ok || userID == "" {
		response.InternalError(c, "Invalid user ID")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	events, err := h.engine.Attach(c.Request.Context(), userID)
	if err != nil {
		logger.Error("failed to attach user", zap.String("user_id", userID), zap.Error(err))
		conn.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.IncrementWebSocketConnections()
	}
	logger.Info("events stream connected", zap.String("user_id", userID))

	client := &client{
		handler: h,
		conn:    conn,
		userID:  userID,
		events:  events,
		done:    make(chan struct{}),
	}
	go client.writePump()
	client.readPump()
}

type client struct {
	handler *EventsHandler
	conn    *websocket.Conn
	userID  string
	events  <-chan session.Event
	done    chan struct{}
}

// readPump consumes heartbeats and pongs until the connection drops, then
// detaches the user.
func (cl *client) readPump() {
	defer func() {
		close(cl.done)
		cl.conn.Close()
		cl.handler.engine.Detach(context.Background(), cl.userID)
		if cl.handler.metrics != nil {
			cl.handler.metrics.DecrementWebSocketConnections()
		}
		logger.Info("events stream disconnected", zap.String("user_id", cl.userID))
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.handler.engine.Heartbeat(context.Background(), cl.userID)
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.String("user_id", cl.userID), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if cl.handler.metrics != nil {
			cl.handler.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		}
		if msg.Type == "heartbeat" {
			cl.handler.engine.Heartbeat(context.Background(), cl.userID)
		}
	}
}

// writePump pushes engine events and keepalive pings to the socket.
func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-cl.events:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Engine closed the stream (re-attach elsewhere or shutdown).
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if cl.handler.metrics != nil {
				cl.handler.metrics.RecordWebSocketMessage(string(ev.Type), "outbound")
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-cl.done:
			return
		}
	}
}

