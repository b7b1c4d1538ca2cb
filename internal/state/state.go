// Package state holds the per-agent state model and the validated state
// manager that guards every mutation.
package state

import (
	"errors"
	"time"
)

// AgentStatus enumerates the coarse agent lifecycle states.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "INITIALIZING"
	StatusReady        AgentStatus = "READY"
	StatusBusy         AgentStatus = "BUSY"
	StatusError        AgentStatus = "ERROR"
	StatusOffline      AgentStatus = "OFFLINE"
)

// HealthMetrics carries the sampled health gauges. All values are
// non-negative.
type HealthMetrics struct {
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	ResponseTime float64 `json:"responseTime"`
	ErrorRate    float64 `json:"errorRate"`
}

// Health is the health substructure of an agent state.
type Health struct {
	Status    string        `json:"status"`
	LastCheck time.Time     `json:"lastCheck"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NetworkUsage tracks transfer counters.
type NetworkUsage struct {
	BytesIn  float64 `json:"bytesIn"`
	BytesOut float64 `json:"bytesOut"`
}

// Resources is the resource usage substructure of an agent state.
type Resources struct {
	CPU     float64      `json:"cpu"`
	Memory  float64      `json:"memory"`
	Network NetworkUsage `json:"network"`
}

// AgentState is the full state record for one agent. It round-trips through
// JSON for the cache and the durable store.
type AgentState struct {
	Status           AgentStatus `json:"status"`
	Health           Health      `json:"health"`
	ActiveOperations int         `json:"activeOperations"`
	CurrentTask      string      `json:"currentTask,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
	LastStatusChange time.Time   `json:"lastStatusChange"`
	LastHealthCheck  time.Time   `json:"lastHealthCheck"`
	Resources        Resources   `json:"resources"`
	Capabilities     []string    `json:"capabilities"`
	Load             float64     `json:"load"`
	Priority         int         `json:"priority,omitempty"`
	IsAvailable      bool        `json:"isAvailable"`
}

// NewAgentState returns a freshly initialized, available agent state.
func NewAgentState() *AgentState {
	now := time.Now()
	return &AgentState{
		Status:           StatusInitializing,
		Health:           Health{Status: "unknown", LastCheck: now},
		LastStatusChange: now,
		LastHealthCheck:  now,
		Capabilities:     []string{},
		IsAvailable:      true,
	}
}

// Validation errors. The load and resource messages are part of the
// observable contract.
var (
	ErrInvalidLoad         = errors.New("Invalid load value")
	ErrNegativeResources   = errors.New("Resource metrics cannot be negative")
	ErrNegativeHealth      = errors.New("Health metrics cannot be negative")
	ErrNegativeOperations  = errors.New("Active operations cannot be negative")
	ErrBusyWithoutTask     = errors.New("Agent with a current task must be BUSY")
	ErrReadyWithTask       = errors.New("READY agent cannot have a current task")
	ErrTimestampInFuture   = errors.New("State timestamps cannot be in the future")
	ErrTaskAlreadyAssigned = errors.New("Agent already has an assigned task")
	ErrAgentNotAvailable   = errors.New("Agent is not available")
	ErrNoTaskAssigned      = errors.New("No task currently assigned")
)

// Validate checks the state against the structural invariants. It is used by
// the manager before every commit and by recovery after decoding persisted
// state.
func (s *AgentState) Validate() error {
	if s.Load < 0 || s.Load > 100 {
		return ErrInvalidLoad
	}
	r := s.Resources
	if r.CPU < 0 || r.Memory < 0 || r.Network.BytesIn < 0 || r.Network.BytesOut < 0 {
		return ErrNegativeResources
	}
	m := s.Health.Metrics
	if m.CPU < 0 || m.Memory < 0 || m.ResponseTime < 0 || m.ErrorRate < 0 {
		return ErrNegativeHealth
	}
	if s.ActiveOperations < 0 {
		return ErrNegativeOperations
	}
	if s.CurrentTask != "" && s.Status != StatusBusy {
		return ErrBusyWithoutTask
	}
	if s.Status == StatusReady && s.CurrentTask != "" {
		return ErrReadyWithTask
	}

	now := time.Now()
	for _, ts := range []time.Time{s.Health.LastCheck, s.LastStatusChange, s.LastHealthCheck} {
		if ts.After(now) {
			return ErrTimestampInFuture
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *AgentState) Clone() *AgentState {
	out := *s
	out.Capabilities = append([]string(nil), s.Capabilities...)
	return &out
}
