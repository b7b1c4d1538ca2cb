package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/persistence"
	"github.com/agentmesh/agentmesh/internal/queue"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// fakeAgent records handled messages and returns a scripted response.
type fakeAgent struct {
	id          string
	initErr     error
	shutdownErr error
	respond     func(m *protocol.Message) (*protocol.Message, error)

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	handled     []*protocol.Message
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initErr != nil {
		return a.initErr
	}
	a.initialized = true
	return nil
}

func (a *fakeAgent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	return a.shutdownErr
}

func (a *fakeAgent) HandleMessage(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	a.mu.Lock()
	a.handled = append(a.handled, m)
	respond := a.respond
	a.mu.Unlock()
	if respond != nil {
		return respond(m)
	}
	return nil, nil
}

func (a *fakeAgent) handledCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handled)
}

// fakeTool is a scripted Tool.
type fakeTool struct {
	id          string
	validateErr error
	execute     func(params json.RawMessage) (json.RawMessage, error)
}

func (t *fakeTool) ID() string { return t.id }

func (t *fakeTool) Validate(parameters map[string]any) error { return t.validateErr }

func (t *fakeTool) Execute(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	if t.execute != nil {
		return t.execute(parameters)
	}
	return json.RawMessage(`{}`), nil
}

func setupOrchestrator(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	o := New(deps, logger.NewNop())
	require.NoError(t, o.Initialize(context.Background()))
	return o
}

func TestInitialize(t *testing.T) {
	o := New(Deps{}, logger.NewNop())
	assert.Equal(t, StatusInitializing, o.Status())

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, StatusRunning, o.Status())

	require.Error(t, o.Initialize(context.Background()))
	assert.Equal(t, StatusError, o.Status())
}

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("registers and initializes", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		a := &fakeAgent{id: "a1"}

		require.NoError(t, o.RegisterAgent(ctx, a))
		assert.True(t, a.initialized)

		_, ok := o.Agent("a1")
		assert.True(t, ok)
	})

	t.Run("duplicate id fails", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterAgent(ctx, &fakeAgent{id: "a1"}))

		err := o.RegisterAgent(ctx, &fakeAgent{id: "a1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("failed initialization is not stored", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		err := o.RegisterAgent(ctx, &fakeAgent{id: "a1", initErr: errors.New("bad start")})
		require.Error(t, err)

		_, ok := o.Agent("a1")
		assert.False(t, ok)
	})
}

func TestUnregisterAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown agent fails", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		err := o.UnregisterAgent(ctx, "ghost")
		require.Error(t, err)

		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeAgentNotFound, perr.Code)
	})

	t.Run("removed even when shutdown fails", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		a := &fakeAgent{id: "a1", shutdownErr: errors.New("stuck")}
		require.NoError(t, o.RegisterAgent(ctx, a))

		err := o.UnregisterAgent(ctx, "a1")
		require.Error(t, err)
		assert.True(t, a.shutdown)

		_, ok := o.Agent("a1")
		assert.False(t, ok)
	})
}

func TestRegisterTool(t *testing.T) {
	t.Run("registers valid tool", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterTool(&fakeTool{id: "calc"}))

		_, ok := o.Tool("calc")
		assert.True(t, ok)
	})

	t.Run("duplicate id fails", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterTool(&fakeTool{id: "calc"}))
		assert.Error(t, o.RegisterTool(&fakeTool{id: "calc"}))
	})

	t.Run("failing validation is refused", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		err := o.RegisterTool(&fakeTool{id: "calc", validateErr: errors.New("no schema")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Tool validation error")

		_, ok := o.Tool("calc")
		assert.False(t, ok)
	})
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid envelope is rejected", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		m := protocol.NewHeartbeat("a1", "orchestrator", "ready")
		m.Sender = ""

		_, err := o.HandleMessage(ctx, m)
		require.Error(t, err)
	})

	t.Run("task routed to receiver, response returned unchanged", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		resp := protocol.NewTaskComplete("a1", "orchestrator", "t1", nil, 5)
		a := &fakeAgent{id: "a1", respond: func(m *protocol.Message) (*protocol.Message, error) {
			return resp, nil
		}}
		require.NoError(t, o.RegisterAgent(ctx, a))

		got, err := o.HandleMessage(ctx, protocol.NewTaskAssign("orchestrator", "a1", "t1", "computation", nil, 1, 1000))
		require.NoError(t, err)
		assert.Same(t, resp, got)
		assert.Equal(t, 1, a.handledCount())
	})

	t.Run("unknown receiver fails with AGENT_NOT_FOUND", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})

		_, err := o.HandleMessage(ctx, protocol.NewTaskAssign("orchestrator", "ghost", "t1", "computation", nil, 1, 1000))
		require.Error(t, err)

		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeAgentNotFound, perr.Code)
		assert.Contains(t, perr.Message, "Agent ghost not found")
	})

	t.Run("slow handler times out with the ttl budget", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		a := &fakeAgent{id: "a1", respond: func(m *protocol.Message) (*protocol.Message, error) {
			time.Sleep(300 * time.Millisecond)
			return nil, nil
		}}
		require.NoError(t, o.RegisterAgent(ctx, a))

		m := protocol.NewA2AMessage("orchestrator", "a1", json.RawMessage(`"hi"`), json.RawMessage(`{"ttl":50}`))
		_, err := o.HandleMessage(ctx, m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Message handling timed out after 50ms")
	})

	t.Run("status messages need no response", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})

		resp, err := o.HandleMessage(ctx, protocol.NewHeartbeat("a1", "orchestrator", "ready"))
		require.NoError(t, err)
		assert.Nil(t, resp)
	})
}

func TestToolInvocation(t *testing.T) {
	ctx := context.Background()

	t.Run("successful execution returns tool_response", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterTool(&fakeTool{id: "calc", execute: func(params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"answer":42}`), nil
		}}))

		got, err := o.HandleMessage(ctx, protocol.NewToolRequest("a1", "orchestrator", "calc", nil, 1000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, protocol.TypeToolResponse, got.Type)
		assert.Equal(t, "calc", got.ToolID)
		assert.JSONEq(t, `{"answer":42}`, string(got.Result))
	})

	t.Run("failing execution returns tool_error", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterTool(&fakeTool{id: "calc", execute: func(params json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("division by zero")
		}}))

		got, err := o.HandleMessage(ctx, protocol.NewToolRequest("a1", "orchestrator", "calc", nil, 1000))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, protocol.TypeToolError, got.Type)
		assert.Equal(t, protocol.CodeToolError, got.Code)
		assert.Contains(t, got.Error, "division by zero")
	})

	t.Run("unknown tool fails with TOOL_NOT_FOUND", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})

		_, err := o.HandleMessage(ctx, protocol.NewToolRequest("a1", "orchestrator", "ghost", nil, 1000))
		require.Error(t, err)

		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeToolNotFound, perr.Code)
	})
}

func TestBroadcastMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("reaches every agent", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		a1 := &fakeAgent{id: "a1"}
		a2 := &fakeAgent{id: "a2"}
		require.NoError(t, o.RegisterAgent(ctx, a1))
		require.NoError(t, o.RegisterAgent(ctx, a2))

		require.NoError(t, o.BroadcastMessage(ctx, protocol.NewStatusUpdate("orchestrator", "all", "ready")))
		assert.Equal(t, 1, a1.handledCount())
		assert.Equal(t, 1, a2.handledCount())
	})

	t.Run("first failure propagates", func(t *testing.T) {
		o := setupOrchestrator(t, Deps{})
		require.NoError(t, o.RegisterAgent(ctx, &fakeAgent{id: "a1", respond: func(m *protocol.Message) (*protocol.Message, error) {
			return nil, errors.New("handler down")
		}}))

		err := o.BroadcastMessage(ctx, protocol.NewStatusUpdate("orchestrator", "all", "ready"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler down")
	})
}

func TestTopicBinding(t *testing.T) {
	ctx := context.Background()
	r := router.New(router.DefaultConfig(), logger.NewNop())
	o := setupOrchestrator(t, Deps{Router: r})

	a := &fakeAgent{id: "a1"}
	require.NoError(t, o.RegisterAgent(ctx, a))
	require.NoError(t, o.BindAgentTopics("a1", "tasks.math"))

	require.NoError(t, o.PublishToTopic(ctx, "tasks.math",
		protocol.NewA2AMessage("orchestrator", "a1", json.RawMessage(`"work"`), nil)))
	assert.Equal(t, 1, a.handledCount())

	o.UnbindAgentTopics("a1")
	require.NoError(t, o.PublishToTopic(ctx, "tasks.math",
		protocol.NewA2AMessage("orchestrator", "a1", json.RawMessage(`"work"`), nil)))
	assert.Equal(t, 1, a.handledCount())
}

func TestDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(queue.NewMemoryBackend(), queue.DefaultConfig(), logger.NewNop())
	o := setupOrchestrator(t, Deps{Queue: q})

	a := &fakeAgent{id: "a1"}
	require.NoError(t, o.RegisterAgent(ctx, a))

	m := protocol.NewTaskAssign("orchestrator", "a1", "t1", "computation", nil, 5, 1000)
	require.NoError(t, o.EnqueueMessage(ctx, m))

	go o.RunDispatcher(ctx)

	require.Eventually(t, func() bool { return a.handledCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.QueueSize == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	o := setupOrchestrator(t, Deps{})
	a := &fakeAgent{id: "a1"}
	require.NoError(t, o.RegisterAgent(ctx, a))

	o.Shutdown(ctx)
	assert.True(t, a.shutdown)
	assert.Equal(t, StatusStopped, o.Status())
	assert.Empty(t, o.AgentIDs())
}

// stubStore is a minimal durable store backing the persistence manager in
// sync tests.
type stubStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{states: make(map[string][]byte)}
}

func (s *stubStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[agentID] = append([]byte(nil), state...)
	return nil
}

func (s *stubStore) LoadAgentState(ctx context.Context, agentID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.states[agentID]
	return data, ok, nil
}

func (s *stubStore) DeleteAgentState(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, agentID)
	return nil
}

func (s *stubStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *stubStore) CleanupAgentStates(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *stubStore) SaveMessage(ctx context.Context, rec *persistence.MessageRecord) error {
	return nil
}

func (s *stubStore) Close() error { return nil }

func TestSyncStatesPublishesEvent(t *testing.T) {
	ctx := context.Background()

	store := newStubStore()
	require.NoError(t, store.SaveAgentState(ctx, "a1", []byte(`{"status":"READY"}`)))

	persist := persistence.NewManager(persistence.NewMemoryCache(), store, time.Minute, logger.NewNop())
	bus := events.NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	o := setupOrchestrator(t, Deps{Persistence: persist, Bus: bus})

	got := make(chan *events.Event, 1)
	_, err := bus.Subscribe(events.SubjectStatesSynced, func(ctx context.Context, e *events.Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	synced, err := o.SyncStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	select {
	case e := <-got:
		assert.Equal(t, events.SubjectStatesSynced, e.Type)
		assert.Equal(t, 1, e.Data["syncedCount"])
	case <-time.After(time.Second):
		t.Fatal("state sync event was not published")
	}
}

func TestDispatcherRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(queue.NewMemoryBackend(), queue.DefaultConfig(), logger.NewNop())
	start := time.Now()
	limiter := ratelimit.NewBucket(ratelimit.Config{
		TokensPerInterval: 1,
		Interval:          150 * time.Millisecond,
		MaxTokens:         1,
	})
	o := setupOrchestrator(t, Deps{Queue: q, Limiter: limiter})

	a := &fakeAgent{id: "a1"}
	require.NoError(t, o.RegisterAgent(ctx, a))

	require.NoError(t, o.EnqueueMessage(ctx, protocol.NewTaskAssign("orchestrator", "a1", "t1", "computation", nil, 5, 1000)))
	require.NoError(t, o.EnqueueMessage(ctx, protocol.NewTaskAssign("orchestrator", "a1", "t2", "computation", nil, 5, 1000)))

	go o.RunDispatcher(ctx)

	require.Eventually(t, func() bool { return a.handledCount() == 2 }, 3*time.Second, 5*time.Millisecond)
	// One token was available up front; the second message had to wait for
	// a refill interval.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
