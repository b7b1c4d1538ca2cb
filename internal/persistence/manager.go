package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/state"
)

func stateKey(agentID string) string {
	return "agent:" + agentID + ":state"
}

// Manager is the write-through persistence facade: every save lands in both
// tiers, every load prefers the cache and falls back to the store.
type Manager struct {
	cache  Cache
	store  Store
	ttl    time.Duration
	logger *logger.Logger
}

// NewManager wires a cache and a store. ttl bounds the cache entries; zero
// disables expiry.
func NewManager(cache Cache, store Store, ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		cache:  cache,
		store:  store,
		ttl:    ttl,
		logger: log.WithComponent("persistence"),
	}
}

// SaveState writes the state through both tiers, cache first. Both writes
// must succeed; a failure in either one propagates.
func (m *Manager) SaveState(ctx context.Context, agentID string, s *state.AgentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state for agent %s: %w", agentID, err)
	}

	if err := m.cache.Set(ctx, stateKey(agentID), data, m.ttl); err != nil {
		return fmt.Errorf("failed to cache state for agent %s: %w", agentID, err)
	}
	if err := m.store.SaveAgentState(ctx, agentID, data); err != nil {
		return fmt.Errorf("failed to persist state for agent %s: %w", agentID, err)
	}
	return nil
}

// LoadState reads cache-first. A store hit repopulates the cache. Returns
// (nil, nil) when neither tier has a state for the agent.
func (m *Manager) LoadState(ctx context.Context, agentID string) (*state.AgentState, error) {
	key := stateKey(agentID)

	data, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	} else if ok {
		var s state.AgentState
		if err := json.Unmarshal(data, &s); err == nil {
			return &s, nil
		}
		// A corrupt cache entry is dropped and the store is authoritative.
		m.logger.Warn("dropping corrupt cache entry", zap.String("agent_id", agentID))
		_ = m.cache.Del(ctx, key)
	}

	data, ok, err = m.store.LoadAgentState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for agent %s: %w", agentID, err)
	}
	if !ok {
		return nil, nil
	}

	var s state.AgentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode stored state for agent %s: %w", agentID, err)
	}

	if err := m.cache.Set(ctx, key, data, m.ttl); err != nil {
		m.logger.Warn("cache repopulation failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	return &s, nil
}

// DeleteState removes the state from both tiers.
func (m *Manager) DeleteState(ctx context.Context, agentID string) error {
	if err := m.cache.Del(ctx, stateKey(agentID)); err != nil {
		m.logger.Warn("cache delete failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if err := m.store.DeleteAgentState(ctx, agentID); err != nil {
		return fmt.Errorf("failed to delete state for agent %s: %w", agentID, err)
	}
	return nil
}

// SyncStates refreshes the cache from the store for every known agent and
// returns how many entries were refreshed. Used by the periodic sync loop.
func (m *Manager) SyncStates(ctx context.Context) (int, error) {
	ids, err := m.store.ListAgentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agents for sync: %w", err)
	}

	synced := 0
	for _, id := range ids {
		data, ok, err := m.store.LoadAgentState(ctx, id)
		if err != nil {
			m.logger.Warn("sync read failed", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := m.cache.Set(ctx, stateKey(id), data, m.ttl); err != nil {
			m.logger.Warn("sync cache write failed", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		synced++
	}

	m.logger.Debug("states synced", zap.Int("count", synced))
	return synced, nil
}

// CleanupOldStates drops states not updated within maxAge.
func (m *Manager) CleanupOldStates(ctx context.Context, maxAge time.Duration) (int64, error) {
	removed, err := m.store.CleanupAgentStates(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("cleaned up stale agent states", zap.Int64("removed", removed))
	}
	return removed, nil
}

// SaveMessage appends a message to the durable history.
func (m *Manager) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	return m.store.SaveMessage(ctx, rec)
}
