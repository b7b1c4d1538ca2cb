package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func TestExecutorHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("computation assignment completes", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		params, _ := json.Marshal(map[string]any{"values": []float64{2, 3, 5}})
		assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t1", TypeComputation, params, 5, 1000)

		resp, err := e.HandleMessage(ctx, assign)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeTaskComplete, resp.Type)
		assert.Equal(t, "t1", resp.TaskID)
		assert.Equal(t, "executor-1", resp.Sender)
		assert.Equal(t, "orchestrator", resp.Receiver)

		var data map[string]any
		require.NoError(t, json.Unmarshal(resp.Result, &data))
		assert.Equal(t, float64(10), data["sum"])
	})

	t.Run("unknown task type fails the assignment", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t2", "mystery", nil, 0, 0)

		resp, err := e.HandleMessage(ctx, assign)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeTaskFail, resp.Type)
		assert.Contains(t, resp.Error, "Unknown task type: mystery")
	})

	t.Run("malformed parameters fail the assignment", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t3", TypeComputation,
			json.RawMessage(`"not an object"`), 0, 0)

		resp, err := e.HandleMessage(ctx, assign)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeTaskFail, resp.Type)
		assert.Equal(t, protocol.CodeInvalidMessage, resp.Code)
		assert.Contains(t, resp.Error, "invalid task parameters")
	})

	t.Run("timeout fails the assignment", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		params, _ := json.Marshal(map[string]any{"values": []float64{1}, "delayMs": 500})
		assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t4", TypeComputation, params, 0, 20)

		resp, err := e.HandleMessage(ctx, assign)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeTaskFail, resp.Type)
		assert.Contains(t, resp.Error, "context deadline exceeded")
	})

	t.Run("heartbeat is answered", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		resp, err := e.HandleMessage(ctx, protocol.NewHeartbeat("orchestrator", "executor-1", "healthy"))
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeHeartbeat, resp.Type)
		assert.Equal(t, "executor-1", resp.Sender)
	})

	t.Run("unrelated message types are ignored", func(t *testing.T) {
		e := NewExecutor("executor-1", logger.NewNop())

		resp, err := e.HandleMessage(ctx, protocol.NewStatusUpdate("orchestrator", "executor-1", "idle"))
		require.NoError(t, err)
		assert.Nil(t, resp)
	})
}

func TestExecutorCancelTask(t *testing.T) {
	ctx := context.Background()
	e := NewExecutor("executor-1", logger.NewNop())

	t.Run("unknown task id is a no-op", func(t *testing.T) {
		require.NoError(t, e.CancelTask(ctx, "nope"))
	})

	t.Run("running assignment is cancelled", func(t *testing.T) {
		params, _ := json.Marshal(map[string]any{"values": []float64{1}, "delayMs": 2000})
		assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t5", TypeComputation, params, 0, 0)

		done := make(chan *protocol.Message, 1)
		go func() {
			resp, _ := e.HandleMessage(ctx, assign)
			done <- resp
		}()

		require.Eventually(t, func() bool {
			e.mu.Lock()
			_, ok := e.tasks["t5"]
			e.mu.Unlock()
			return ok
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, e.CancelTask(ctx, "t5"))

		select {
		case resp := <-done:
			require.NotNil(t, resp)
			assert.Equal(t, protocol.TypeTaskFail, resp.Type)
			assert.Equal(t, "Task was cancelled during execution", resp.Error)
		case <-time.After(time.Second):
			t.Fatal("assignment did not finish after cancellation")
		}
	})
}

func TestExecutorShutdown(t *testing.T) {
	ctx := context.Background()
	e := NewExecutor("executor-1", logger.NewNop())
	require.NoError(t, e.Initialize(ctx))

	params, _ := json.Marshal(map[string]any{"values": []float64{1}, "delayMs": 2000})
	assign := protocol.NewTaskAssign("orchestrator", "executor-1", "t6", TypeComputation, params, 0, 0)

	done := make(chan *protocol.Message, 1)
	go func() {
		resp, _ := e.HandleMessage(ctx, assign)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		_, ok := e.tasks["t6"]
		e.mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(ctx))

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.Equal(t, protocol.TypeTaskFail, resp.Type)
	case <-time.After(time.Second):
		t.Fatal("assignment did not finish after shutdown")
	}

	// Assignments after shutdown are refused.
	resp, err := e.HandleMessage(ctx, protocol.NewTaskAssign("orchestrator", "executor-1", "t7", TypeComputation, nil, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, protocol.TypeTaskFail, resp.Type)
	assert.Contains(t, resp.Error, "shutting down")
}
