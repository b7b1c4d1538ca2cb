package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Built-in task types.
const (
	TypeComputation   = "computation"
	TypeCommunication = "communication"
	TypeStorage       = "storage"
)

// Runner executes the work behind a task. CancelTask is a cooperative stop
// request; the driver still decides the terminal state.
type Runner interface {
	ExecuteTask(ctx context.Context, spec Spec) (*Result, error)
	CancelTask(ctx context.Context, taskID string) error
	CleanupTask(ctx context.Context, taskID string) error
}

// runnerFor dispatches on the task type.
func runnerFor(taskType string) (Runner, error) {
	switch taskType {
	case TypeComputation:
		return NewComputationRunner(), nil
	case TypeCommunication:
		return NewCommunicationRunner(), nil
	case TypeStorage:
		return NewStorageRunner(), nil
	default:
		return nil, fmt.Errorf("Unknown task type: %s", taskType)
	}
}

// baseRunner tracks a cancel func per in-flight task so CancelTask can
// interrupt a blocked execution.
type baseRunner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newBaseRunner() baseRunner {
	return baseRunner{cancels: make(map[string]context.CancelFunc)}
}

// begin derives a cancellable context for one execution. The returned release
// func must be called when the execution ends.
func (b *baseRunner) begin(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels[taskID] = cancel
	b.mu.Unlock()

	return ctx, func() {
		b.mu.Lock()
		delete(b.cancels, taskID)
		b.mu.Unlock()
		cancel()
	}
}

func (b *baseRunner) CancelTask(ctx context.Context, taskID string) error {
	b.mu.Lock()
	cancel, ok := b.cancels[taskID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (b *baseRunner) CleanupTask(ctx context.Context, taskID string) error {
	b.mu.Lock()
	delete(b.cancels, taskID)
	b.mu.Unlock()
	return nil
}

// simulateWork honors an optional delayMs parameter, interruptible by ctx.
func simulateWork(ctx context.Context, params map[string]any) error {
	delay, ok := numberParam(params, "delayMs")
	if !ok || delay <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(delay) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// numberParam reads a numeric parameter, tolerating the types JSON decoding
// produces.
func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ComputationRunner evaluates simple numeric workloads.
type ComputationRunner struct {
	baseRunner
}

func NewComputationRunner() *ComputationRunner {
	return &ComputationRunner{baseRunner: newBaseRunner()}
}

func (r *ComputationRunner) ExecuteTask(ctx context.Context, spec Spec) (*Result, error) {
	ctx, release := r.begin(ctx, spec.ID)
	defer release()

	if err := simulateWork(ctx, spec.Parameters); err != nil {
		return nil, err
	}

	values, _ := spec.Parameters["values"].([]any)
	var sum float64
	for _, v := range values {
		n, ok := v.(float64)
		if !ok {
			return &Result{Success: false, Error: fmt.Sprintf("non-numeric value: %v", v)}, nil
		}
		sum += n
	}
	return &Result{
		Success: true,
		Data:    map[string]any{"sum": sum, "count": len(values)},
	}, nil
}

// CommunicationRunner models a message hand-off to another agent.
type CommunicationRunner struct {
	baseRunner
}

func NewCommunicationRunner() *CommunicationRunner {
	return &CommunicationRunner{baseRunner: newBaseRunner()}
}

func (r *CommunicationRunner) ExecuteTask(ctx context.Context, spec Spec) (*Result, error) {
	ctx, release := r.begin(ctx, spec.ID)
	defer release()

	if err := simulateWork(ctx, spec.Parameters); err != nil {
		return nil, err
	}

	target, _ := spec.Parameters["target"].(string)
	if target == "" {
		return &Result{Success: false, Error: "communication task requires a target"}, nil
	}
	return &Result{
		Success: true,
		Data:    map[string]any{"delivered": true, "target": target},
	}, nil
}

// StorageRunner keeps a per-runner key/value scratch space.
type StorageRunner struct {
	baseRunner
	dataMu sync.Mutex
	data   map[string]any
}

func NewStorageRunner() *StorageRunner {
	return &StorageRunner{
		baseRunner: newBaseRunner(),
		data:       make(map[string]any),
	}
}

func (r *StorageRunner) ExecuteTask(ctx context.Context, spec Spec) (*Result, error) {
	ctx, release := r.begin(ctx, spec.ID)
	defer release()

	if err := simulateWork(ctx, spec.Parameters); err != nil {
		return nil, err
	}

	op, _ := spec.Parameters["op"].(string)
	key, _ := spec.Parameters["key"].(string)
	if key == "" {
		return &Result{Success: false, Error: "storage task requires a key"}, nil
	}

	r.dataMu.Lock()
	defer r.dataMu.Unlock()
	switch op {
	case "put":
		r.data[key] = spec.Parameters["value"]
		return &Result{Success: true, Data: map[string]any{"stored": key}}, nil
	case "get":
		value, ok := r.data[key]
		if !ok {
			return &Result{Success: false, Error: fmt.Sprintf("key not found: %s", key)}, nil
		}
		return &Result{Success: true, Data: map[string]any{"key": key, "value": value}}, nil
	case "delete":
		delete(r.data, key)
		return &Result{Success: true, Data: map[string]any{"deleted": key}}, nil
	default:
		return &Result{Success: false, Error: fmt.Sprintf("unknown storage op: %s", op)}, nil
	}
}
