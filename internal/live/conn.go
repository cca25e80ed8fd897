// Package live serves live views to dashboard observers over WebSocket.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/notification"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 16
)

// ErrClosed is returned when pushing to a connection that has gone away.
var ErrClosed = errors.New("connection closed")

// Conn is one observer connection. It implements notification.Sink.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan notification.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan notification.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id used in the subscription registry.
func (c *Conn) ID() string {
	return c.id
}

// Push queues env for the write pump. It waits for buffer space until ctx
// expires.
func (c *Conn) Push(ctx context.Context, env notification.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open reports whether the connection is still usable.
func (c *Conn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Server upgrades HTTP requests and wires each connection to the broker.
type Server struct {
	broker   *notification.Broker
	upgrader websocket.Upgrader
}

// NewServer creates a live view server. checkOrigin may be nil to accept
// any origin.
func NewServer(b *notification.Broker, checkOrigin func(r *http.Request) bool) *Server {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWS handles a WebSocket request. It blocks until the peer goes away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws)
	registry := s.broker.Registry()
	registry.Register(c.id, c)
	metrics.LiveConnections.Inc()
	logger.Debug("live connection opened", "conn", c.id, "remote", r.RemoteAddr)

	defer func() {
		registry.Remove(c.id)
		c.close()
		metrics.LiveConnections.Dec()
		logger.Debug("live connection closed", "conn", c.id)
	}()

	go c.writePump()
	s.readPump(r.Context(), c)
}

// readPump answers requests until the peer closes or a read fails.
func (s *Server) readPump(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("live connection read failed", "conn", c.id, "error", err)
			}
			return
		}

		var req notification.Request
		env := notification.Envelope{Type: "error", Message: "malformed request"}
		if err := json.Unmarshal(raw, &req); err == nil {
			env = s.broker.Answer(ctx, c.id, req)
		}

		pushCtx, cancel := context.WithTimeout(ctx, writeWait)
		err = c.Push(pushCtx, env)
		cancel()
		if err != nil {
			return
		}
	}
}

// writePump serializes all writes to the socket and keeps it alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				logger.Debug("live write failed", "conn", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
