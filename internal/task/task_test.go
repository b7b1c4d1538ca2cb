package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// funcRunner adapts a function to the Runner interface for tests.
type funcRunner struct {
	exec func(ctx context.Context, spec Spec) (*Result, error)
}

func (r *funcRunner) ExecuteTask(ctx context.Context, spec Spec) (*Result, error) {
	return r.exec(ctx, spec)
}
func (r *funcRunner) CancelTask(ctx context.Context, taskID string) error  { return nil }
func (r *funcRunner) CleanupTask(ctx context.Context, taskID string) error { return nil }

func TestNewTask(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := NewTask(Spec{ID: "t1", Type: "mystery"}, logger.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unknown task type: mystery")
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := NewTask(Spec{Type: TypeComputation}, logger.NewNop())
		assert.ErrorIs(t, err, ErrMissingID)
	})
}

func TestExecute(t *testing.T) {
	t.Run("successful computation", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:         "t1",
			Type:       TypeComputation,
			Parameters: map[string]any{"values": []any{1.0, 2.0, 3.0}},
		}, logger.NewNop())
		require.NoError(t, err)

		var events []EventType
		tk.On(EventStarted, func(e Event) { events = append(events, e.Type) })
		tk.On(EventCompleted, func(e Event) { events = append(events, e.Type) })

		require.NoError(t, tk.Execute(context.Background()))
		assert.Equal(t, StatusCompleted, tk.Status())
		require.NotNil(t, tk.Result())
		assert.True(t, tk.Result().Success)
		assert.Equal(t, float64(6), tk.Result().Data["sum"])
		assert.Equal(t, []EventType{EventStarted, EventCompleted}, events)
	})

	t.Run("unsuccessful result fails the task", func(t *testing.T) {
		runner := &funcRunner{exec: func(ctx context.Context, spec Spec) (*Result, error) {
			return &Result{Success: false, Error: "no luck"}, nil
		}}
		tk := NewTaskWithRunner(Spec{ID: "t1", Type: TypeComputation}, runner, logger.NewNop())

		var errEvents int
		tk.On(EventError, func(e Event) { errEvents++ })

		require.NoError(t, tk.Execute(context.Background()))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Equal(t, "no luck", tk.Result().Error)
		assert.Equal(t, 1, errEvents)
	})

	t.Run("panicking runner fails the task", func(t *testing.T) {
		runner := &funcRunner{exec: func(ctx context.Context, spec Spec) (*Result, error) {
			panic("boom")
		}}
		tk := NewTaskWithRunner(Spec{ID: "t1", Type: TypeComputation}, runner, logger.NewNop())

		require.NoError(t, tk.Execute(context.Background()))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Contains(t, tk.Result().Error, "task execution panicked")
	})

	t.Run("second execute is rejected", func(t *testing.T) {
		tk, err := NewTask(Spec{ID: "t1", Type: TypeComputation}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(context.Background()))
		assert.ErrorIs(t, tk.Execute(context.Background()), ErrAlreadyStarted)
	})

	t.Run("timeout fails the task", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:         "t1",
			Type:       TypeComputation,
			Timeout:    20 * time.Millisecond,
			Parameters: map[string]any{"delayMs": 500},
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(context.Background()))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Contains(t, tk.Result().Error, "context deadline exceeded")
	})
}

func TestCancel(t *testing.T) {
	t.Run("cancel before execution", func(t *testing.T) {
		tk, err := NewTask(Spec{ID: "t1", Type: TypeComputation}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Cancel(context.Background()))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Equal(t, "Task was cancelled before execution", tk.Result().Error)

		assert.ErrorIs(t, tk.Execute(context.Background()), ErrAlreadyStarted)
	})

	t.Run("cancel during execution", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:         "t1",
			Type:       TypeComputation,
			Parameters: map[string]any{"delayMs": 100},
		}, logger.NewNop())
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tk.Execute(context.Background())
		}()

		// Let the task reach RUNNING, then cancel mid-flight.
		require.Eventually(t, func() bool { return tk.Status() == StatusRunning },
			time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, tk.Cancel(context.Background()))
		wg.Wait()

		assert.Equal(t, StatusFailed, tk.Status())
		assert.Equal(t, "Task was cancelled during execution", tk.Result().Error)
	})

	t.Run("terminal states are sticky", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:         "t1",
			Type:       TypeComputation,
			Parameters: map[string]any{"values": []any{1.0}},
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(context.Background()))
		require.Equal(t, StatusCompleted, tk.Status())

		require.NoError(t, tk.Cancel(context.Background()))
		assert.Equal(t, StatusCompleted, tk.Status())
		assert.True(t, tk.Result().Success)
	})
}

func TestStorageRunner(t *testing.T) {
	runner := NewStorageRunner()
	ctx := context.Background()

	res, err := runner.ExecuteTask(ctx, Spec{
		ID:         "t1",
		Parameters: map[string]any{"op": "put", "key": "k", "value": "v"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = runner.ExecuteTask(ctx, Spec{
		ID:         "t2",
		Parameters: map[string]any{"op": "get", "key": "k"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "v", res.Data["value"])

	res, err = runner.ExecuteTask(ctx, Spec{
		ID:         "t3",
		Parameters: map[string]any{"op": "get", "key": "missing"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestExecuteValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing type and negative priority fail before running", func(t *testing.T) {
		ran := false
		tk := NewTaskWithRunner(Spec{ID: "t1", Priority: -5}, &funcRunner{
			exec: func(ctx context.Context, spec Spec) (*Result, error) {
				ran = true
				return &Result{Success: true}, nil
			},
		}, logger.NewNop())

		var events []EventType
		tk.On(EventError, func(e Event) { events = append(events, e.Type) })

		require.NoError(t, tk.Execute(ctx))
		assert.False(t, ran)
		assert.Equal(t, StatusFailed, tk.Status())
		require.NotNil(t, tk.Result())
		assert.False(t, tk.Result().Success)
		assert.Contains(t, tk.Result().Error, "validation failed:")
		assert.Contains(t, tk.Result().Error, "type is required")
		assert.Contains(t, tk.Result().Error, "priority must not be negative")
		assert.Equal(t, []EventType{EventError}, events)
	})

	t.Run("incomplete dependency", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:           "t1",
			Type:         TypeComputation,
			Dependencies: []Dependency{{TaskID: "t0"}},
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(ctx))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Contains(t, tk.Result().Error, "dependency 0 is missing type")
	})

	t.Run("negative resource value", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:        "t1",
			Type:      TypeComputation,
			Resources: map[string]float64{"memoryMb": -1},
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(ctx))
		assert.Equal(t, StatusFailed, tk.Status())
		assert.Contains(t, tk.Result().Error, "resource memoryMb must not be negative")
	})

	t.Run("complete dependencies and resources pass", func(t *testing.T) {
		tk, err := NewTask(Spec{
			ID:           "t1",
			Type:         TypeComputation,
			Parameters:   map[string]any{"values": []any{1.0, 2.0}},
			Dependencies: []Dependency{{TaskID: "t0", Type: TypeStorage}},
			Resources:    map[string]float64{"cpu": 0.5},
		}, logger.NewNop())
		require.NoError(t, err)

		require.NoError(t, tk.Execute(ctx))
		assert.Equal(t, StatusCompleted, tk.Status())
	})
}
