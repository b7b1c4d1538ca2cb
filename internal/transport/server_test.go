package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// eventRecorder captures transport events for assertions.
type eventRecorder struct {
	mu          sync.Mutex
	connections []string
	messages    []*protocol.Message
	closes      []string
	heartbeats  []string
}

func (r *eventRecorder) events() Events {
	return Events{
		OnConnection: func(id string) {
			r.mu.Lock()
			r.connections = append(r.connections, id)
			r.mu.Unlock()
		},
		OnMessage: func(id string, m *protocol.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnClose: func(id string) {
			r.mu.Lock()
			r.closes = append(r.closes, id)
			r.mu.Unlock()
		},
		OnHeartbeat: func(id string) {
			r.mu.Lock()
			r.heartbeats = append(r.heartbeats, id)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) connectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

func (r *eventRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *eventRecorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closes)
}

func setupServer(t *testing.T, cfg Config) (*Server, *eventRecorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rec := &eventRecorder{}
	srv := NewServer(cfg, rec.events(), logger.NewNop())

	engine := gin.New()
	srv.Attach(engine)

	httpSrv := httptest.NewServer(engine)
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return srv, rec, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectionLifecycle(t *testing.T) {
	srv, rec, url := setupServer(t, DefaultConfig())

	client := dial(t, url)
	waitFor(t, func() bool { return rec.connectionCount() == 1 }, "connection event not fired")
	assert.Equal(t, 1, srv.ConnectionCount())

	require.NoError(t, client.Close())
	waitFor(t, func() bool { return rec.closeCount() == 1 }, "close event not fired")
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestInboundValidation(t *testing.T) {
	t.Run("valid frame emits message event", func(t *testing.T) {
		_, rec, url := setupServer(t, DefaultConfig())
		client := dial(t, url)

		data, err := protocol.NewHeartbeat("a1", "orch", "ready").Encode()
		require.NoError(t, err)
		require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

		waitFor(t, func() bool { return rec.messageCount() == 1 }, "message event not fired")
		rec.mu.Lock()
		assert.Equal(t, protocol.TypeHeartbeat, rec.messages[0].Type)
		rec.mu.Unlock()
	})

	t.Run("invalid frame answered with ERROR frame", func(t *testing.T) {
		_, rec, url := setupServer(t, DefaultConfig())
		client := dial(t, url)
		waitFor(t, func() bool { return rec.connectionCount() == 1 }, "connection event not fired")

		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)

		var frame protocol.Message
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, protocol.TypeError, frame.Type)
		assert.Equal(t, protocol.CodeInvalidMessage, frame.Code)
		assert.Equal(t, "error", frame.CorrelationID)

		// The invalid frame never reaches the message event.
		assert.Equal(t, 0, rec.messageCount())
	})
}

func TestSend(t *testing.T) {
	t.Run("delivers to a known connection", func(t *testing.T) {
		srv, rec, url := setupServer(t, DefaultConfig())
		client := dial(t, url)
		waitFor(t, func() bool { return rec.connectionCount() == 1 }, "connection event not fired")

		ids := srv.ConnectionIDs()
		require.Len(t, ids, 1)

		require.NoError(t, srv.Send(ids[0], protocol.NewStatusUpdate("orch", "a1", "ready")))

		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)

		msg, err := protocol.Validate(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeStatusUpdate, msg.Type)
	})

	t.Run("fails for unknown connection", func(t *testing.T) {
		srv, _, _ := setupServer(t, DefaultConfig())
		err := srv.Send("missing-id", protocol.NewStatusUpdate("orch", "a1", "ready"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Connection missing-id not found")
	})
}

func TestBroadcast(t *testing.T) {
	srv, rec, url := setupServer(t, DefaultConfig())

	clients := []*websocket.Conn{dial(t, url), dial(t, url)}
	waitFor(t, func() bool { return rec.connectionCount() == 2 }, "connections not established")

	srv.Broadcast(protocol.NewStatusUpdate("orch", "all", "ready"))

	for i, client := range clients {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err, "client %d", i)

		msg, err := protocol.Validate(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeStatusUpdate, msg.Type)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("responsive connection stays registered", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HeartbeatInterval = 30 * time.Millisecond
		srv, rec, url := setupServer(t, cfg)

		client := dial(t, url)
		waitFor(t, func() bool { return rec.connectionCount() == 1 }, "connection event not fired")

		// Keep the client reading so its default ping handler answers pongs.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()

		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, 1, srv.ConnectionCount())

		_ = client.Close()
		<-done
	})

	t.Run("unresponsive connection is terminated after two ticks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HeartbeatInterval = 30 * time.Millisecond
		srv, rec, url := setupServer(t, cfg)

		client := dial(t, url)
		waitFor(t, func() bool { return rec.connectionCount() == 1 }, "connection event not fired")

		// Suppress pongs so the server sees a dead peer.
		client.SetPingHandler(func(string) error { return nil })
		go func() {
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()

		waitFor(t, func() bool { return srv.ConnectionCount() == 0 }, "connection not terminated")
	})
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	_, rec, url := setupServer(t, cfg)

	dial(t, url)
	waitFor(t, func() bool { return rec.connectionCount() == 1 }, "first connection not established")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
