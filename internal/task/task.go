// Package task implements the cooperative task lifecycle: a driver that walks
// a task through PENDING → RUNNING → COMPLETED/FAILED, with cancellation
// races resolved by a flag the driver re-checks after execution.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Status enumerates the task lifecycle states. COMPLETED and FAILED are
// terminal and sticky: no later call moves a task out of them.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Cancellation result messages, part of the observable contract.
const (
	cancelledBeforeExecution = "Task was cancelled before execution"
	cancelledDuringExecution = "Task was cancelled during execution"
)

var (
	ErrAlreadyStarted = errors.New("task has already been started")
	ErrMissingID      = errors.New("task id is required")
)

// Dependency names a prerequisite task.
type Dependency struct {
	TaskID string
	Type   string
}

// Spec describes a task to execute.
type Spec struct {
	ID           string
	Type         string
	Priority     int
	Timeout      time.Duration // 0 means no deadline
	Parameters   map[string]any
	Dependencies []Dependency
	Resources    map[string]float64
}

// validate checks the spec is executable: identity fields present, priority
// non-negative, dependencies fully named, resource demands non-negative.
// All violations are collected into one error.
func (s Spec) validate() error {
	var reasons []string
	if s.ID == "" {
		reasons = append(reasons, "id is required")
	}
	if s.Type == "" {
		reasons = append(reasons, "type is required")
	}
	if s.Priority < 0 {
		reasons = append(reasons, "priority must not be negative")
	}
	for i, d := range s.Dependencies {
		if d.TaskID == "" {
			reasons = append(reasons, fmt.Sprintf("dependency %d is missing taskId", i))
		}
		if d.Type == "" {
			reasons = append(reasons, fmt.Sprintf("dependency %d is missing type", i))
		}
	}
	names := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if s.Resources[name] < 0 {
			reasons = append(reasons, fmt.Sprintf("resource %s must not be negative", name))
		}
	}
	if len(reasons) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(reasons, ", "))
	}
	return nil
}

// Result is the outcome a runner reports.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EventType enumerates task lifecycle events.
type EventType string

const (
	EventStarted   EventType = "TASK_STARTED"
	EventCompleted EventType = "TASK_COMPLETED"
	EventError     EventType = "TASK_ERROR"
	EventCleanup   EventType = "TASK_CLEANUP"
)

// Event carries a lifecycle notification.
type Event struct {
	Type   EventType
	TaskID string
	Result *Result
}

// Listener receives task events synchronously on the driving goroutine.
type Listener func(Event)

// Task drives one unit of work through its lifecycle.
type Task struct {
	mu          sync.Mutex
	spec        Spec
	runner      Runner
	status      Status
	isCancelled bool
	startTime   time.Time
	endTime     time.Time
	result      *Result
	listeners   map[EventType][]Listener
	logger      *logger.Logger
}

// NewTask builds a task with the runner selected by spec.Type.
func NewTask(spec Spec, log *logger.Logger) (*Task, error) {
	if spec.ID == "" {
		return nil, ErrMissingID
	}
	runner, err := runnerFor(spec.Type)
	if err != nil {
		return nil, err
	}
	return NewTaskWithRunner(spec, runner, log), nil
}

// NewTaskWithRunner builds a task around an explicit runner.
func NewTaskWithRunner(spec Spec, runner Runner, log *logger.Logger) *Task {
	return &Task{
		spec:      spec,
		runner:    runner,
		status:    StatusPending,
		listeners: make(map[EventType][]Listener),
		logger:    log.WithComponent("task").WithTaskID(spec.ID),
	}
}

// On registers a lifecycle listener.
func (t *Task) On(et EventType, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[et] = append(t.listeners[et], l)
}

// Status returns the current lifecycle status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the task outcome, nil until the task reaches a terminal
// state.
func (t *Task) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Duration returns how long the task ran, zero before it finishes.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime.IsZero() || t.endTime.IsZero() {
		return 0
	}
	return t.endTime.Sub(t.startTime)
}

// Execute runs the task to a terminal state. It can be called once; a task
// already started or already terminal returns ErrAlreadyStarted. A spec that
// fails validation moves straight to FAILED without running. Cancellation
// that lands during execution is detected after the runner returns, so the
// runner's result is discarded in that race.
func (t *Task) Execute(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := t.spec.validate(); err != nil {
		t.finishLocked(StatusFailed, &Result{Success: false, Error: err.Error()})
		final := Event{Type: EventError, TaskID: t.spec.ID, Result: t.result}
		t.mu.Unlock()
		t.emit(final)
		return nil
	}
	t.status = StatusRunning
	t.startTime = time.Now()
	spec := t.spec
	t.mu.Unlock()

	t.emit(Event{Type: EventStarted, TaskID: spec.ID})
	t.logger.Debug("task started", zap.String("task_type", spec.Type))

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	result, err := t.run(ctx, spec)

	t.mu.Lock()
	if t.status != StatusRunning {
		// Cancel finalized the task while the runner was still returning.
		t.mu.Unlock()
		return nil
	}
	switch {
	case t.isCancelled:
		t.finishLocked(StatusFailed, &Result{Success: false, Error: cancelledDuringExecution})
	case err != nil:
		t.finishLocked(StatusFailed, &Result{Success: false, Error: err.Error()})
	case result == nil || !result.Success:
		if result == nil {
			result = &Result{Success: false, Error: "runner returned no result"}
		}
		result.Success = false
		t.finishLocked(StatusFailed, result)
	default:
		t.finishLocked(StatusCompleted, result)
	}
	final := Event{Type: t.terminalEventLocked(), TaskID: spec.ID, Result: t.result}
	t.mu.Unlock()

	t.emit(final)
	return nil
}

// run invokes the runner with panic containment: a panicking runner fails the
// task instead of taking down the process.
func (t *Task) run(ctx context.Context, spec Spec) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("runner panicked", zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("task execution panicked: %v", r)
		}
	}()
	return t.runner.ExecuteTask(ctx, spec)
}

// finishLocked commits the terminal state. Callers hold t.mu.
func (t *Task) finishLocked(status Status, result *Result) {
	t.status = status
	t.result = result
	t.endTime = time.Now()
}

func (t *Task) terminalEventLocked() EventType {
	if t.status == StatusCompleted {
		return EventCompleted
	}
	return EventError
}

// Cancel requests cancellation. A PENDING task fails immediately; a RUNNING
// task is flagged and the runner is asked to stop; terminal tasks are left
// untouched.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case StatusCompleted, StatusFailed:
		t.mu.Unlock()
		return nil
	case StatusPending:
		t.isCancelled = true
		t.finishLocked(StatusFailed, &Result{Success: false, Error: cancelledBeforeExecution})
		final := Event{Type: EventError, TaskID: t.spec.ID, Result: t.result}
		t.mu.Unlock()
		t.emit(final)
		return nil
	}
	// RUNNING: flag first so the post-execution check sees it even if the
	// runner ignores the stop request.
	t.isCancelled = true
	id := t.spec.ID
	t.mu.Unlock()

	t.logger.Info("cancelling running task")
	cancelErr := t.runner.CancelTask(ctx, id)

	t.mu.Lock()
	var final *Event
	if t.status == StatusRunning {
		msg := cancelledDuringExecution
		if cancelErr != nil {
			msg = cancelErr.Error()
		}
		t.finishLocked(StatusFailed, &Result{Success: false, Error: msg})
		final = &Event{Type: EventError, TaskID: id, Result: t.result}
	}
	t.mu.Unlock()

	if final != nil {
		t.emit(*final)
	}
	return nil
}

// Cleanup releases runner-held resources for this task.
func (t *Task) Cleanup(ctx context.Context) error {
	err := t.runner.CleanupTask(ctx, t.spec.ID)
	t.emit(Event{Type: EventCleanup, TaskID: t.spec.ID})
	return err
}

func (t *Task) emit(e Event) {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners[e.Type]...)
	t.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}
