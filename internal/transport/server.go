// Package transport implements the websocket server: connection registry,
// heartbeat supervision, and frame validation against the message protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin validation is an authentication concern left to deployment.
		return true
	},
}

// Config holds transport tuning parameters.
type Config struct {
	Path              string
	HeartbeatInterval time.Duration
	MaxConnections    int // 0 means unlimited
	MaxFramesPerSec   float64
}

// DefaultConfig returns the standard transport configuration.
func DefaultConfig() Config {
	return Config{
		Path:              "/ws",
		HeartbeatInterval: 30 * time.Second,
	}
}

// Events carries the transport's callback surface. Nil callbacks are skipped.
// Callbacks run on transport goroutines and must not block.
type Events struct {
	OnConnection func(id string)
	OnMessage    func(id string, m *protocol.Message)
	OnClose      func(id string)
	OnError      func(id string, err error) // id is empty for server-level errors
	OnHeartbeat  func(id string)
}

// Server accepts websocket connections, validates inbound frames, and fans
// valid messages out through the Events callbacks.
type Server struct {
	cfg    Config
	events Events
	logger *logger.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer creates a transport server. Call Run to start the heartbeat loop.
func NewServer(cfg Config, events Events, log *logger.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Server{
		cfg:    cfg,
		events: events,
		logger: log.WithComponent("transport"),
		conns:  make(map[string]*Conn),
		stop:   make(chan struct{}),
	}
}

// Attach registers the websocket upgrade route on a gin engine.
func (s *Server) Attach(r *gin.Engine) {
	path := s.cfg.Path
	if path == "" {
		path = "/ws"
	}
	r.GET(path, s.HandleConnection)
}

// HandleConnection upgrades HTTP to websocket and services the connection
// until it closes. Blocks for the connection lifetime.
func (s *Server) HandleConnection(c *gin.Context) {
	s.mu.RLock()
	atCapacity := s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if atCapacity {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		s.emitError("", err)
		return
	}

	conn := newConn(uuid.New().String(), ws, s.cfg.MaxFramesPerSec)
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.markAlive()
		if s.events.OnHeartbeat != nil {
			s.events.OnHeartbeat(conn.ID)
		}
		return nil
	})

	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	s.logger.Debug("connection established",
		zap.String("connection_id", conn.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))
	if s.events.OnConnection != nil {
		s.events.OnConnection(conn.ID)
	}

	s.readLoop(conn)
}

// readLoop consumes frames until the connection drops. Frames are handled
// in arrival order.
func (s *Server) readLoop(conn *Conn) {
	defer s.removeConn(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
				s.emitError(conn.ID, err)
			}
			return
		}

		if !conn.allowFrame() {
			s.logger.Warn("inbound frame throttled", zap.String("connection_id", conn.ID))
			continue
		}

		s.handleFrame(conn, data)
	}
}

// handleFrame validates one inbound frame. Invalid frames are answered with
// an ERROR frame and not surfaced to OnMessage.
func (s *Server) handleFrame(conn *Conn, data []byte) {
	msg, err := protocol.Validate(data)
	if err != nil {
		s.logger.Warn("rejected invalid frame",
			zap.String("connection_id", conn.ID),
			zap.Error(err))

		code := protocol.CodeInvalidMessage
		var perr *protocol.Error
		if errors.As(err, &perr) {
			code = perr.Code
		}
		errFrame := protocol.NewErrorMessage("orchestrator", "unknown", "error", code, err.Error())
		if sendErr := s.writeMessage(conn, errFrame); sendErr != nil {
			s.emitError(conn.ID, sendErr)
		}
		return
	}

	if s.events.OnMessage != nil {
		s.events.OnMessage(conn.ID, msg)
	}
}

// Run drives the heartbeat loop until the context is cancelled or Shutdown
// is called. A connection that missed a pong for a full interval is
// terminated on the next tick.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.logger.Info("transport started", zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval))
	defer s.logger.Info("transport stopped")

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-s.stop:
			s.closeAll()
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat runs one supervision tick over a snapshot of the registry.
func (s *Server) heartbeat() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		if !conn.checkAndClear() {
			s.logger.Warn("terminating unresponsive connection",
				zap.String("connection_id", conn.ID),
				zap.Time("last_heartbeat", conn.LastHeartbeat()))
			conn.close()
			continue
		}
		if err := conn.ping(); err != nil {
			s.logger.Warn("ping failed",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
			s.emitError(conn.ID, err)
		}
	}
}

// Send delivers a message to one connection. Unknown ids fail; write errors
// propagate to the caller.
func (s *Server) Send(id string, m *protocol.Message) error {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("Connection %s not found", id)
	}
	return s.writeMessage(conn, m)
}

// Broadcast delivers a message to every connection. Per-connection failures
// are logged and swallowed so one bad connection cannot break the fan-out.
func (s *Server) Broadcast(m *protocol.Message) {
	data, err := m.Encode()
	if err != nil {
		s.logger.Error("failed to encode broadcast message", zap.Error(err))
		s.emitError("", err)
		return
	}

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.write(data); err != nil {
			s.logger.Warn("broadcast send failed",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
}

func (s *Server) writeMessage(conn *Conn, m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.write(data); err != nil {
		return fmt.Errorf("failed to send to connection %s: %w", conn.ID, err)
	}
	return nil
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ConnectionIDs returns a snapshot of registered connection ids.
func (s *Server) ConnectionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops the heartbeat loop and closes every connection.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) removeConn(conn *Conn) {
	conn.close()

	s.mu.Lock()
	_, present := s.conns[conn.ID]
	delete(s.conns, conn.ID)
	s.mu.Unlock()

	if present {
		s.logger.Debug("connection closed", zap.String("connection_id", conn.ID))
		if s.events.OnClose != nil {
			s.events.OnClose(conn.ID)
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

func (s *Server) emitError(id string, err error) {
	if s.events.OnError != nil {
		s.events.OnError(id, err)
	}
}
