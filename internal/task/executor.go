package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Executor is a built-in worker agent that accepts task assignments, drives
// them through the task lifecycle, and answers with completion or failure
// messages. It keeps a registry of in-flight tasks so shutdown can cancel
// them.
type Executor struct {
	id     string
	logger *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	stopped bool
}

// NewExecutor creates an executor agent with the given id.
func NewExecutor(id string, log *logger.Logger) *Executor {
	return &Executor{
		id:     id,
		logger: log.WithComponent("task-executor").WithAgentID(id),
		tasks:  make(map[string]*Task),
	}
}

// ID implements the agent contract.
func (e *Executor) ID() string {
	return e.id
}

// Initialize implements the agent contract.
func (e *Executor) Initialize(ctx context.Context) error {
	e.logger.Info("task executor initialized")
	return nil
}

// Shutdown cancels every in-flight task and releases runner resources.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	inflight := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		inflight = append(inflight, t)
	}
	e.tasks = make(map[string]*Task)
	e.mu.Unlock()

	for _, t := range inflight {
		if err := t.Cancel(ctx); err != nil {
			e.logger.Warn("failed to cancel task on shutdown", zap.Error(err))
		}
		if err := t.Cleanup(ctx); err != nil {
			e.logger.Warn("failed to clean up task on shutdown", zap.Error(err))
		}
	}
	e.logger.Info("task executor stopped", zap.Int("cancelled_tasks", len(inflight)))
	return nil
}

// HandleMessage runs task assignments synchronously and replies with the
// outcome. Heartbeats are answered in kind; other message types are ignored.
func (e *Executor) HandleMessage(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	switch m.Type {
	case protocol.TypeTaskAssign:
		return e.runAssignment(ctx, m), nil
	case protocol.TypeHeartbeat:
		return protocol.NewHeartbeat(e.id, m.Sender, "healthy"), nil
	default:
		return nil, nil
	}
}

// CancelTask cancels a specific in-flight task by id. Unknown ids are a
// no-op so duplicate cancellations stay harmless.
func (e *Executor) CancelTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Cancel(ctx)
}

func (e *Executor) runAssignment(ctx context.Context, m *protocol.Message) *protocol.Message {
	spec, err := specFromMessage(m)
	if err != nil {
		return protocol.NewTaskFail(e.id, m.Sender, m.TaskID, err.Error(), protocol.CodeInvalidMessage)
	}

	t, err := NewTask(spec, e.logger)
	if err != nil {
		return protocol.NewTaskFail(e.id, m.Sender, spec.ID, err.Error(), protocol.CodeTaskFailed)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return protocol.NewTaskFail(e.id, m.Sender, spec.ID, "executor is shutting down", protocol.CodeAgentError)
	}
	e.tasks[spec.ID] = t
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.tasks, spec.ID)
		e.mu.Unlock()
	}()

	if err := t.Execute(ctx); err != nil {
		return protocol.NewTaskFail(e.id, m.Sender, spec.ID, err.Error(), protocol.CodeTaskFailed)
	}

	res := t.Result()
	if res == nil || !res.Success {
		errText := "task failed"
		if res != nil && res.Error != "" {
			errText = res.Error
		}
		return protocol.NewTaskFail(e.id, m.Sender, spec.ID, errText, protocol.CodeTaskFailed)
	}

	data, err := json.Marshal(res.Data)
	if err != nil {
		return protocol.NewTaskFail(e.id, m.Sender, spec.ID,
			fmt.Sprintf("failed to encode task result: %v", err), protocol.CodeMessageConversion)
	}
	return protocol.NewTaskComplete(e.id, m.Sender, spec.ID, data, t.Duration().Milliseconds())
}

// specFromMessage maps a task_assign message onto an executable spec.
func specFromMessage(m *protocol.Message) (Spec, error) {
	spec := Spec{
		ID:   m.TaskID,
		Type: m.TaskType,
	}
	if m.Priority != nil {
		spec.Priority = *m.Priority
	}
	if m.Timeout != nil && *m.Timeout > 0 {
		spec.Timeout = time.Duration(*m.Timeout) * time.Millisecond
	}
	if len(m.Parameters) > 0 {
		if err := json.Unmarshal(m.Parameters, &spec.Parameters); err != nil {
			return Spec{}, fmt.Errorf("invalid task parameters: %w", err)
		}
	}
	return spec, nil
}
