package collaboration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/protocol"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET TRANSPORT

Each socket gets two goroutines:
- ReadPump feeds frames to Connection.HandleMessage one at a time, which
  keeps per-connection ordering
- WritePump drains a buffered channel, so fan-out under a document lock
  only ever does a non-blocking channel send

A client too slow to drain its buffer is disconnected instead of slowing
everybody else down.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	sendBufferSize = 256
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport adapts a gorilla websocket to Transport.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	open atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	t.open.Store(true)
	return t
}

func (t *wsTransport) Send(data []byte) error {
	if !t.open.Load() {
		return ErrConnectionClosed
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrConnectionClosed
	default:
		// Buffer full - connection is slow/dead
		_ = t.Close()
		return errSendBufferFull
	}
}

func (t *wsTransport) IsOpen() bool {
	return t.open.Load()
}

// Close signals WritePump, which sends the close frame and closes the socket.
func (t *wsTransport) Close() error {
	t.once.Do(func() {
		t.open.Store(false)
		close(t.done)
	})
	return nil
}

// WebSocketHandler upgrades HTTP requests into collaboration connections.
type WebSocketHandler struct {
	sessionManager *SessionManager
	log            logr.Logger
}

func NewWebSocketHandler(sessionManager *SessionManager, logger logr.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		log:            logger.WithName("websocket"),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleConnection(w, r)
}

// HandleConnection serves GET /ws. One socket may join any number of
// documents; the document name travels in every frame.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// Hijacked connections outlive the request context.
	ctx := context.WithoutCancel(r.Context())

	// Extract user info from query params; extensions may replace them
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("user.id", userID),
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "Failed to upgrade WebSocket")
		middleware.AddSpanError(ctx, err)
		return
	}

	cctx := NewContext(map[string]any{
		"user_id":     userID,
		"user_name":   userName,
		"remote_addr": r.RemoteAddr,
	})

	transport := newWSTransport(conn)
	c, err := h.sessionManager.HandleConnection(ctx, transport, cctx)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		msg := websocket.FormatCloseMessage(int(protocol.CloseForbidden), "forbidden")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.WritePump(transport)
	go h.ReadPump(ctx, c, transport)

	h.log.Info("✓ WebSocket connection established", "connection", c.ID(), "user", userName)
}

// ReadPump reads frames until the socket fails, then closes the connection.
func (h *WebSocketHandler) ReadPump(ctx context.Context, c *Connection, t *wsTransport) {
	defer c.Close()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		c.touch()
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.sessionManager.errors.OnTransportError(c.ID(), err)
			}
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))

		// failures are already routed to the error handler
		if err := c.HandleMessage(ctx, message); err != nil {
			h.log.V(1).Info("message not processed", "connection", c.ID(), "error", err.Error())
		}
	}
}

// WritePump writes queued frames, one websocket message per frame, and
// keeps the socket alive with pings.
func (h *WebSocketHandler) WritePump(t *wsTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case message := <-t.send:
			if err := h.write(t, message); err != nil {
				_ = t.Close()
				return
			}

			// Drain whatever else is queued before waiting again
			n := len(t.send)
			for i := 0; i < n; i++ {
				if err := h.write(t, <-t.send); err != nil {
					_ = t.Close()
					return
				}
			}

		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(t *wsTransport, message []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, message)
}
