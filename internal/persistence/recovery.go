package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/state"
)

// Recovery sources, reported to the monitor.
const (
	SourceDatabase = "database"
	SourceCache    = "cache"
)

// Monitor observes recovery attempts. Implementations must be cheap; they run
// inline on the recovery path.
type Monitor interface {
	RecoveryStarted(source, agentID string)
	RecoveryRetry(source, agentID string, attempt int, err error)
	RecoverySucceeded(source, agentID string)
	RecoveryFailed(source, agentID string, err error)
}

// NopMonitor discards all recovery notifications.
type NopMonitor struct{}

func (NopMonitor) RecoveryStarted(string, string)           {}
func (NopMonitor) RecoveryRetry(string, string, int, error) {}
func (NopMonitor) RecoverySucceeded(string, string)         {}
func (NopMonitor) RecoveryFailed(string, string, error)     {}

// Recovery reads agent states back after a restart. Transient read failures
// are retried; a state that fails structural validation is rejected without
// retrying, since re-reading cannot fix it.
type Recovery struct {
	cache      Cache
	store      Store
	maxRetries int
	retryDelay time.Duration
	monitor    Monitor
	logger     *logger.Logger
}

// NewRecovery builds a recovery reader over the two tiers. maxRetries counts
// total attempts per source; values below 1 are clamped to 1.
func NewRecovery(cache Cache, store Store, maxRetries int, retryDelay time.Duration, monitor Monitor, log *logger.Logger) *Recovery {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if monitor == nil {
		monitor = NopMonitor{}
	}
	return &Recovery{
		cache:      cache,
		store:      store,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		monitor:    monitor,
		logger:     log.WithComponent("recovery"),
	}
}

// RecoverFromDatabase reads one agent's state from the durable store.
// Returns (nil, nil) when the store has no state for the agent.
func (r *Recovery) RecoverFromDatabase(ctx context.Context, agentID string) (*state.AgentState, error) {
	return r.recover(ctx, SourceDatabase, agentID, func(ctx context.Context) ([]byte, bool, error) {
		return r.store.LoadAgentState(ctx, agentID)
	})
}

// RecoverFromCache reads one agent's state from the cache tier.
func (r *Recovery) RecoverFromCache(ctx context.Context, agentID string) (*state.AgentState, error) {
	return r.recover(ctx, SourceCache, agentID, func(ctx context.Context) ([]byte, bool, error) {
		return r.cache.Get(ctx, stateKey(agentID))
	})
}

func (r *Recovery) recover(ctx context.Context, source, agentID string, fetch func(context.Context) ([]byte, bool, error)) (*state.AgentState, error) {
	r.monitor.RecoveryStarted(source, agentID)

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		data, ok, err := fetch(ctx)
		if err != nil {
			lastErr = err
			if attempt < r.maxRetries {
				r.monitor.RecoveryRetry(source, agentID, attempt, err)
				r.logger.Warn("recovery read failed, retrying",
					zap.String("source", source),
					zap.String("agent_id", agentID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				select {
				case <-time.After(r.retryDelay):
				case <-ctx.Done():
					r.monitor.RecoveryFailed(source, agentID, ctx.Err())
					return nil, ctx.Err()
				}
			}
			continue
		}
		if !ok {
			r.monitor.RecoverySucceeded(source, agentID)
			return nil, nil
		}

		s, err := decodeState(data)
		if err != nil {
			// Not transient: the stored document itself is bad.
			err = fmt.Errorf("recovered state for agent %s is invalid: %w", agentID, err)
			r.monitor.RecoveryFailed(source, agentID, err)
			return nil, err
		}

		r.monitor.RecoverySucceeded(source, agentID)
		return s, nil
	}

	err := fmt.Errorf("recovery from %s failed for agent %s after %d attempts: %w",
		source, agentID, r.maxRetries, lastErr)
	r.monitor.RecoveryFailed(source, agentID, err)
	return nil, err
}

// decodeState parses and structurally validates a persisted state document.
func decodeState(data []byte) (*state.AgentState, error) {
	var s state.AgentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// RecoverState reads both tiers in parallel and resolves conflicts by
// lastStatusChange: the newer state wins, ties go to the database. A source
// that fails is treated as empty as long as the other yields a state.
func (r *Recovery) RecoverState(ctx context.Context, agentID string) (*state.AgentState, error) {
	var (
		dbState, cacheState *state.AgentState
		dbErr, cacheErr     error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dbState, dbErr = r.RecoverFromDatabase(gctx, agentID)
		return nil
	})
	g.Go(func() error {
		cacheState, cacheErr = r.RecoverFromCache(gctx, agentID)
		return nil
	})
	_ = g.Wait()

	if dbErr != nil && cacheErr != nil {
		return nil, fmt.Errorf("recovery failed for agent %s: %w", agentID, dbErr)
	}

	switch {
	case dbState == nil && cacheState == nil:
		if dbErr != nil {
			return nil, dbErr
		}
		if cacheErr != nil {
			return nil, cacheErr
		}
		return nil, nil
	case dbState == nil:
		return cacheState, nil
	case cacheState == nil:
		return dbState, nil
	}

	if cacheState.LastStatusChange.After(dbState.LastStatusChange) {
		return cacheState, nil
	}
	return dbState, nil
}
