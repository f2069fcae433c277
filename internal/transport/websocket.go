// Package transport carries feed messages to browsers over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"attack-feed/internal/hub"
	"attack-feed/internal/model"
)

var ErrConnClosed = errors.New("connection closed")

const (
	writeWait      = 10 * time.Second
	defaultPong    = 60 * time.Second
	maxMessageSize = 64 * 1024
	replayTimeout  = 2 * time.Second
)

// WSConn adapts a gorilla connection to hub.Conn. Outgoing messages go through a bounded
// queue drained by a single writer goroutine.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	live   atomic.Bool
	once   sync.Once
	logger *zap.Logger
}

func newWSConn(id string, ws *websocket.Conn, buffer int, logger *zap.Logger) *WSConn {
	c := &WSConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	c.live.Store(true)
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Live() bool { return c.live.Load() }

// Send queues payload. It returns hub.ErrSlowConsumer when the queue is full and
// ErrConnClosed once the connection is closed.
func (c *WSConn) Send(payload []byte) error {
	if !c.live.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return hub.ErrSlowConsumer
	}
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		c.live.Store(false)
		close(c.done)
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}

func (c *WSConn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump logs client messages and returns when the peer goes away.
func (c *WSConn) readPump(pongWait time.Duration) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Unexpected close", zap.Error(err))
			}
			return
		}

		var msg interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Info("Invalid client message", zap.Int("size", len(raw)))
			continue
		}
		c.logger.Info("Client message", zap.Any("message", msg))
	}
}

// Registry is where accepted connections are announced. Implemented by hub.Hub.
type Registry interface {
	Register(c hub.Conn)
	Unregister(id string)
}

// ReplaySource brings a new connection up to date before it joins the live feed.
type ReplaySource interface {
	RecentEvents(ctx context.Context, n int) ([]model.AttackEvent, error)
	TodayStats(ctx context.Context) (*model.TodayStats, error)
}

// ConnectLimiter decides whether a remote address may open another connection.
type ConnectLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Options struct {
	SendBuffer     int
	ReplayCount    int
	AllowedOrigins []string
	PongWait       time.Duration
	// Limiter is consulted before the upgrade. Limiter errors let the client through.
	Limiter ConnectLimiter
}

// Server upgrades HTTP requests and runs the per-connection pumps.
type Server struct {
	registry Registry
	replay   ReplaySource
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
	active   atomic.Int64
}

// NewServer returns a handler for the feed socket. replay may be nil.
func NewServer(registry Registry, replay ReplaySource, opts Options, logger *zap.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPong
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		replay:   replay,
		opts:     opts,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Active is the number of connections currently being served.
func (s *Server) Active() int64 { return s.active.Load() }

func (s *Server) allow(r *http.Request) bool {
	if s.opts.Limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ok, err := s.opts.Limiter.Allow(r.Context(), host)
	if err != nil {
		s.logger.Warn("Connect limiter unavailable", zap.String("remote_addr", host), zap.Error(err))
		return true
	}
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r) {
		s.logger.Info("Connection rate limited", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := uuid.NewString()
	logger := s.logger.With(zap.String("conn_id", id), zap.String("remote_addr", r.RemoteAddr))
	conn := newWSConn(id, ws, s.opts.SendBuffer, logger)

	s.active.Add(1)
	logger.Info("Client connected")

	s.replayTo(r.Context(), conn)

	go conn.writePump(s.opts.PongWait * 9 / 10)
	s.registry.Register(conn)

	conn.readPump(s.opts.PongWait)

	s.registry.Unregister(id)
	_ = conn.Close()
	s.active.Add(-1)
	logger.Info("Client disconnected")
}

// replayTo queues recent events and the cached daily stats. Failures only cost the
// client its backlog.
func (s *Server) replayTo(ctx context.Context, conn *WSConn) {
	if s.replay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	if s.opts.ReplayCount > 0 {
		events, err := s.replay.RecentEvents(ctx, s.opts.ReplayCount)
		if err != nil {
			conn.logger.Warn("Failed to load recent events for replay", zap.Error(err))
		} else if len(events) > 0 {
			s.queue(conn, events)
		}
	}

	stats, err := s.replay.TodayStats(ctx)
	if err != nil {
		conn.logger.Warn("Failed to load cached stats for replay", zap.Error(err))
		return
	}
	if stats != nil {
		s.queue(conn, model.Envelope{Type: model.EventStatsToday, Payload: stats})
	}
}

func (s *Server) queue(conn *WSConn, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		conn.logger.Warn("Failed to encode replay payload", zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		conn.logger.Debug("Replay payload not queued", zap.Error(err))
	}
}
