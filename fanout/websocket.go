package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (string, error)

// InboundHandler receives frames a client sends over its session, such as
// typing indicators. Nil drops inbound frames.
type InboundHandler func(ctx context.Context, userID string, frame []byte)

// WebSocketHandler upgrades authenticated requests and attaches each
// connection to the Hub as a session.
type WebSocketHandler struct {
	hub      *Hub
	auth     Authenticator
	inbound  InboundHandler
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler. checkOrigin may be nil to use the
// gorilla/websocket same-origin default.
func NewWebSocketHandler(hub *Hub, auth Authenticator, inbound InboundHandler, checkOrigin func(*http.Request) bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		auth:    auth,
		inbound: inbound,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP authenticates, upgrades and runs the session pumps.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r)
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"package":  "fanout",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	session := h.hub.Register(userID)
	go h.writePump(conn, session)
	h.readPump(r.Context(), conn, session)
}

// readPump consumes inbound frames until the connection fails, then
// unregisters the session.
func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	defer func() {
		h.hub.Unregister(s)
		conn.Close()
	}()

	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function":   "readPump",
					"package":    "fanout",
					"session_id": s.ID,
					"error":      err.Error(),
				}).Debug("WebSocket closed unexpectedly")
			}
			return
		}
		if h.inbound != nil {
			h.inbound(context.WithoutCancel(ctx), s.UserID, frame)
		}
	}
}

// writePump drains the session queue to the connection and keeps it alive
// with pings.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-s.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
