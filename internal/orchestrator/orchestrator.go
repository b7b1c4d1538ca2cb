// Package orchestrator composes the runtime: agent and tool registries, a
// typed handler table, and the transport/router/queue/persistence wiring.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/persistence"
	"github.com/agentmesh/agentmesh/internal/queue"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// DefaultHandleTimeout bounds message handling when the message carries no
// ttl metadata.
const DefaultHandleTimeout = 30 * time.Second

// Status is the orchestrator lifecycle status.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusError        Status = "ERROR"
	StatusStopped      Status = "STOPPED"
)

// Agent is a registered worker. HandleMessage returns the agent's response,
// nil when the message needs no reply.
type Agent interface {
	ID() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HandleMessage(ctx context.Context, m *protocol.Message) (*protocol.Message, error)
}

// Tool is an invocable capability. Validate is called with empty parameters
// at registration time to reject broken tools early.
type Tool interface {
	ID() string
	Validate(parameters map[string]any) error
	Execute(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)
}

// Handler processes one message category and optionally returns a response.
type Handler func(ctx context.Context, m *protocol.Message) (*protocol.Message, error)

// Category groups message types for handler dispatch.
type Category string

const (
	CategoryTask    Category = "TASK"
	CategoryResult  Category = "RESULT"
	CategoryStatus  Category = "STATUS"
	CategoryError   Category = "ERROR"
	CategoryControl Category = "CONTROL"
)

// categoryOf maps a wire message type to its handler category.
func categoryOf(t protocol.MessageType) Category {
	switch t {
	case protocol.TypeTaskAssign:
		return CategoryTask
	case protocol.TypeTaskComplete, protocol.TypeTaskFail, protocol.TypeTaskProgress:
		return CategoryResult
	case protocol.TypeHeartbeat, protocol.TypeStatusUpdate:
		return CategoryStatus
	case protocol.TypeError, protocol.TypeToolError:
		return CategoryError
	default:
		return CategoryControl
	}
}

// Deps carries the composed subsystems. Any of them may be nil; the
// orchestrator skips the corresponding behavior.
type Deps struct {
	Router      *router.Router
	Queue       *queue.Queue
	Persistence *persistence.Manager
	Bus         events.EventBus
	Limiter     *ratelimit.Bucket
}

// Orchestrator owns the agent and tool registries and dispatches messages to
// category handlers.
type Orchestrator struct {
	mu       sync.RWMutex
	status   Status
	agents   map[string]Agent
	tools    map[string]Tool
	handlers map[Category]Handler

	deps   Deps
	logger *logger.Logger
}

// New creates an orchestrator. Call Initialize before handling messages.
func New(deps Deps, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		status:   StatusInitializing,
		agents:   make(map[string]Agent),
		tools:    make(map[string]Tool),
		handlers: make(map[Category]Handler),
		deps:     deps,
		logger:   log.WithComponent("orchestrator"),
	}
}

// Status returns the lifecycle status.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Initialize installs the category handlers and moves to RUNNING. A second
// call fails and moves the orchestrator to ERROR.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status == StatusRunning {
		o.status = StatusError
		return fmt.Errorf("orchestrator is already initialized")
	}

	o.handlers[CategoryTask] = o.handleTask
	o.handlers[CategoryResult] = o.handleResult
	o.handlers[CategoryStatus] = o.handleStatus
	o.handlers[CategoryError] = o.handleError
	o.handlers[CategoryControl] = o.handleControl

	o.status = StatusRunning
	o.logger.Info("orchestrator initialized")
	return nil
}

// RegisterAgent initializes and stores an agent. Duplicate ids fail; an agent
// whose initialization fails is not stored.
func (o *Orchestrator) RegisterAgent(ctx context.Context, a Agent) error {
	id := a.ID()

	o.mu.Lock()
	if _, exists := o.agents[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("Agent %s is already registered", id)
	}
	o.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize agent %s: %w", id, err)
	}

	o.mu.Lock()
	o.agents[id] = a
	o.mu.Unlock()

	o.logger.Info("agent registered", zap.String("agent_id", id))
	o.publishEvent(ctx, events.SubjectAgentRegistered, map[string]any{"agentId": id})
	return nil
}

// UnregisterAgent shuts an agent down and removes it. The agent is removed
// even when shutdown fails; the shutdown error is still returned.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) error {
	o.mu.Lock()
	a, exists := o.agents[id]
	delete(o.agents, id)
	o.mu.Unlock()

	if !exists {
		return protocol.NewError(protocol.CodeAgentNotFound, fmt.Sprintf("Agent %s not found", id))
	}

	err := a.Shutdown(ctx)
	if err != nil {
		o.logger.Warn("agent shutdown failed",
			zap.String("agent_id", id),
			zap.Error(err))
	}

	o.logger.Info("agent unregistered", zap.String("agent_id", id))
	o.publishEvent(ctx, events.SubjectAgentUnregistered, map[string]any{"agentId": id})
	return err
}

// Agent returns a registered agent.
func (o *Orchestrator) Agent(id string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	return a, ok
}

// AgentIDs returns the registered agent ids.
func (o *Orchestrator) AgentIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	return ids
}

// RegisterTool validates and stores a tool. A tool that rejects empty
// parameters is considered broken and refused.
func (o *Orchestrator) RegisterTool(t Tool) error {
	id := t.ID()

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.tools[id]; exists {
		return fmt.Errorf("Tool %s is already registered", id)
	}
	if err := t.Validate(map[string]any{}); err != nil {
		return fmt.Errorf("Tool validation error: %v", err)
	}
	o.tools[id] = t

	o.logger.Info("tool registered", zap.String("tool_id", id))
	return nil
}

// Tool returns a registered tool.
func (o *Orchestrator) Tool(id string) (Tool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tools[id]
	return t, ok
}

// HandleMessage validates the envelope, dispatches to the category handler,
// and bounds the handling time by the message's ttl metadata (default 30 s).
func (o *Orchestrator) HandleMessage(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	if err := protocol.ValidateMessage(m); err != nil {
		return nil, err
	}

	o.mu.RLock()
	handler, ok := o.handlers[categoryOf(m.Type)]
	o.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.CodeMessageHandling,
			fmt.Sprintf("No handler registered for message type %s", m.Type))
	}

	budget := ttlFor(m)
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		resp *protocol.Message
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := handler(hctx, m)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		o.recordMessage(ctx, m)
		return out.resp, nil
	case <-hctx.Done():
		return nil, protocol.NewError(protocol.CodeTimeout,
			fmt.Sprintf("Message handling timed out after %dms", budget.Milliseconds()))
	}
}

// ttlFor reads the ttl (milliseconds) from the message metadata.
func ttlFor(m *protocol.Message) time.Duration {
	if len(m.Metadata) > 0 {
		var meta struct {
			TTL int64 `json:"ttl"`
		}
		if err := json.Unmarshal(m.Metadata, &meta); err == nil && meta.TTL > 0 {
			return time.Duration(meta.TTL) * time.Millisecond
		}
	}
	return DefaultHandleTimeout
}

// BroadcastMessage invokes every agent's HandleMessage sequentially. The
// first failure aborts the fan-out and propagates.
func (o *Orchestrator) BroadcastMessage(ctx context.Context, m *protocol.Message) error {
	o.mu.RLock()
	agents := make([]Agent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.mu.RUnlock()

	for _, a := range agents {
		if _, err := a.HandleMessage(ctx, m); err != nil {
			return fmt.Errorf("broadcast to agent %s failed: %w", a.ID(), err)
		}
	}
	return nil
}

// Shutdown unregisters every agent and stops accepting work.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.AgentIDs() {
		_ = o.UnregisterAgent(ctx, id)
	}

	o.mu.Lock()
	o.status = StatusStopped
	o.mu.Unlock()
	o.logger.Info("orchestrator stopped")
}

// handleTask routes a task assignment to the receiver agent and returns the
// agent's response unchanged.
func (o *Orchestrator) handleTask(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	a, ok := o.Agent(m.Receiver)
	if !ok {
		return nil, protocol.NewError(protocol.CodeAgentNotFound,
			fmt.Sprintf("Agent %s not found", m.Receiver))
	}
	return a.HandleMessage(ctx, m)
}

// handleResult publishes task outcomes as lifecycle events.
func (o *Orchestrator) handleResult(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	switch m.Type {
	case protocol.TypeTaskComplete:
		o.publishEvent(ctx, events.SubjectTaskCompleted, map[string]any{
			"taskId":  m.TaskID,
			"agentId": m.Sender,
		})
	case protocol.TypeTaskFail:
		o.publishEvent(ctx, events.SubjectTaskFailed, map[string]any{
			"taskId":  m.TaskID,
			"agentId": m.Sender,
			"error":   m.Error,
		})
	}
	return nil, nil
}

// handleStatus records agent liveness. Heartbeats and status updates need no
// response.
func (o *Orchestrator) handleStatus(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	o.logger.Debug("agent status",
		zap.String("agent_id", m.Sender),
		zap.String("status", m.Status))
	return nil, nil
}

// handleError logs reported errors.
func (o *Orchestrator) handleError(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	o.logger.Warn("agent reported error",
		zap.String("agent_id", m.Sender),
		zap.String("code", m.Code),
		zap.String("error", m.Error))
	return nil, nil
}

// handleControl serves tool requests and routes agent-to-agent traffic.
func (o *Orchestrator) handleControl(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	switch m.Type {
	case protocol.TypeToolRequest:
		return o.invokeTool(ctx, m)
	case protocol.TypeA2AMessage:
		a, ok := o.Agent(m.Receiver)
		if !ok {
			return nil, protocol.NewError(protocol.CodeAgentNotFound,
				fmt.Sprintf("Agent %s not found", m.Receiver))
		}
		return a.HandleMessage(ctx, m)
	case protocol.TypeA2AStateSync:
		// State sync is advisory; the receiver applies it when it reconnects.
		return nil, nil
	default:
		return nil, nil
	}
}

// invokeTool executes a registered tool and converts the outcome to a
// tool_response or tool_error message.
func (o *Orchestrator) invokeTool(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	t, ok := o.Tool(m.ToolID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeToolNotFound,
			fmt.Sprintf("Tool %s not found", m.ToolID))
	}

	start := time.Now()
	result, err := t.Execute(ctx, m.Parameters)
	if err != nil {
		return protocol.NewToolError("orchestrator", m.Sender, m.ToolID, err.Error(), protocol.CodeToolError), nil
	}
	return protocol.NewToolResponse("orchestrator", m.Sender, m.ToolID, result, time.Since(start).Milliseconds()), nil
}

// recordMessage appends the handled message to the durable history,
// best-effort.
func (o *Orchestrator) recordMessage(ctx context.Context, m *protocol.Message) {
	if o.deps.Persistence == nil {
		return
	}
	payload, err := m.Encode()
	if err != nil {
		return
	}
	rec := &persistence.MessageRecord{
		MessageID: m.CorrelationID,
		Type:      string(m.Type),
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Payload:   payload,
		Timestamp: time.UnixMilli(m.Timestamp),
		Metadata:  m.Metadata,
		Status:    "processed",
	}
	if err := o.deps.Persistence.SaveMessage(ctx, rec); err != nil {
		o.logger.Warn("failed to record message history",
			zap.String("correlation_id", m.CorrelationID),
			zap.Error(err))
	}
}

// publishEvent emits a lifecycle event, best-effort.
func (o *Orchestrator) publishEvent(ctx context.Context, subject string, data map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	if err := o.deps.Bus.Publish(ctx, subject, events.NewEvent(subject, "orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
