package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// EventType enumerates state manager events.
type EventType string

const (
	EventStateChanged    EventType = "STATE_CHANGED"
	EventHealthChanged   EventType = "HEALTH_CHANGED"
	EventResourceUpdated EventType = "RESOURCE_UPDATED"
	EventTaskAssigned    EventType = "TASK_ASSIGNED"
	EventTaskCompleted   EventType = "TASK_COMPLETED"
	EventErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event carries the state before and after a committed mutation.
type Event struct {
	Type EventType
	Old  *AgentState
	New  *AgentState
}

// Listener receives state events. Listeners run synchronously after the
// commit, on the mutating goroutine.
type Listener func(Event)

// Manager owns one agent's state. Every mutation is validated before it is
// swapped in; a failing validation leaves the state untouched.
type Manager struct {
	mu        sync.Mutex
	agentID   string
	state     *AgentState
	listeners map[EventType][]Listener
	logger    *logger.Logger
}

// NewManager creates a manager with a fresh state.
func NewManager(agentID string, log *logger.Logger) *Manager {
	return &Manager{
		agentID:   agentID,
		state:     NewAgentState(),
		listeners: make(map[EventType][]Listener),
		logger:    log.WithComponent("state-manager").WithAgentID(agentID),
	}
}

// On registers a listener for an event type.
func (m *Manager) On(t EventType, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[t] = append(m.listeners[t], l)
}

// State returns a copy of the current state.
func (m *Manager) State() *AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Restore replaces the state wholesale (after validation), e.g. from a
// recovery result. Emits the same events as a regular update.
func (m *Manager) Restore(s *AgentState) error {
	return m.Update(func(cur *AgentState) error {
		*cur = *s.Clone()
		return nil
	})
}

// Update applies a mutation to a copy of the state, validates it, and
// commits it. All mutations, including the convenience methods below, flow
// through here so invariants cannot be bypassed.
func (m *Manager) Update(mutate func(*AgentState) error) error {
	m.mu.Lock()

	old := m.state
	next := old.Clone()
	if err := mutate(next); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("rejected invalid state update", zap.Error(err))
		return err
	}

	m.state = next
	events := deriveEvents(old, next)
	m.mu.Unlock()

	// STATE_CHANGED always fires first, then the derived events.
	m.emit(Event{Type: EventStateChanged, Old: old, New: next})
	for _, t := range events {
		m.emit(Event{Type: t, Old: old, New: next})
	}
	return nil
}

// deriveEvents computes which substructure events a commit produces.
func deriveEvents(old, next *AgentState) []EventType {
	var events []EventType
	if old.Health != next.Health {
		events = append(events, EventHealthChanged)
	}
	if old.Resources != next.Resources {
		events = append(events, EventResourceUpdated)
	}
	if old.CurrentTask == "" && next.CurrentTask != "" {
		events = append(events, EventTaskAssigned)
	}
	if old.CurrentTask != "" && next.CurrentTask == "" {
		events = append(events, EventTaskCompleted)
	}
	if next.LastError != "" && old.LastError != next.LastError {
		events = append(events, EventErrorOccurred)
	}
	return events
}

func (m *Manager) emit(e Event) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners[e.Type]...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// SetStatus transitions the coarse status.
func (m *Manager) SetStatus(status AgentStatus) error {
	return m.Update(func(s *AgentState) error {
		s.Status = status
		s.LastStatusChange = time.Now()
		return nil
	})
}

// UpdateHealth replaces the health substructure.
func (m *Manager) UpdateHealth(h Health) error {
	return m.Update(func(s *AgentState) error {
		s.Health = h
		s.LastHealthCheck = time.Now()
		return nil
	})
}

// UpdateResources replaces the resource usage substructure.
func (m *Manager) UpdateResources(r Resources) error {
	return m.Update(func(s *AgentState) error {
		s.Resources = r
		return nil
	})
}

// SetLoad updates the load gauge.
func (m *Manager) SetLoad(load float64) error {
	return m.Update(func(s *AgentState) error {
		s.Load = load
		return nil
	})
}

// RecordError stores the last error and emits ERROR_OCCURRED.
func (m *Manager) RecordError(msg string) error {
	return m.Update(func(s *AgentState) error {
		s.LastError = msg
		return nil
	})
}

// AssignTask moves the agent to BUSY with the given task. Fails when the
// agent already has a task or is not available.
func (m *Manager) AssignTask(taskID string) error {
	return m.Update(func(s *AgentState) error {
		if s.CurrentTask != "" {
			return ErrTaskAlreadyAssigned
		}
		if !s.IsAvailable {
			return ErrAgentNotAvailable
		}
		s.CurrentTask = taskID
		s.Status = StatusBusy
		s.ActiveOperations++
		s.LastStatusChange = time.Now()
		return nil
	})
}

// CompleteTask clears the current task and returns the agent to READY.
func (m *Manager) CompleteTask() error {
	return m.Update(func(s *AgentState) error {
		if s.CurrentTask == "" {
			return ErrNoTaskAssigned
		}
		s.CurrentTask = ""
		s.Status = StatusReady
		if s.ActiveOperations > 0 {
			s.ActiveOperations--
		}
		s.LastStatusChange = time.Now()
		return nil
	})
}
