// Package router implements the pub/sub message router with wildcard
// subscriptions and per-agent handler dispatch.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// ErrSubscriptionLimit is returned when an agent exceeds either the
// subscription or the distinct-topic budget.
var ErrSubscriptionLimit = errors.New("Subscription limit exceeded")

// Handler consumes a message delivered to a subscribed agent.
type Handler func(ctx context.Context, m *protocol.Message) error

// Config holds router limits and behavior switches.
type Config struct {
	MaxSubscriptionsPerAgent int
	MaxTopicsPerAgent        int
	WildcardEnabled          bool
	DeliveryTimeout          time.Duration
}

// DefaultConfig returns the standard router configuration.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionsPerAgent: 100,
		MaxTopicsPerAgent:        50,
		WildcardEnabled:          true,
		DeliveryTimeout:          5 * time.Second,
	}
}

// Router routes published messages to subscribed agent handlers.
// Subscriptions are dual-indexed by topic and by agent; both indices are
// kept consistent under the router lock.
type Router struct {
	mu       sync.RWMutex
	byTopic  map[string]map[*Subscription]struct{}
	byAgent  map[string]map[*Subscription]struct{}
	handlers map[string]Handler

	cfg    Config
	logger *logger.Logger
}

// New creates a router.
func New(cfg Config, log *logger.Logger) *Router {
	return &Router{
		byTopic:  make(map[string]map[*Subscription]struct{}),
		byAgent:  make(map[string]map[*Subscription]struct{}),
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   log.WithComponent("router"),
	}
}

// RegisterHandler installs or overwrites the delivery handler for an agent.
func (r *Router) RegisterHandler(agentID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agentID] = handler
}

// UnregisterHandler removes the delivery handler for an agent.
func (r *Router) UnregisterHandler(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, agentID)
}

// Subscribe binds an agent to a topic. Subscribing twice to the same topic
// is a no-op. Both the subscription budget and the distinct-topic budget are
// enforced; either breach fails with ErrSubscriptionLimit.
func (r *Router) Subscribe(agentID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentSubs := r.byAgent[agentID]
	for sub := range agentSubs {
		if sub.Topic == topic {
			return nil
		}
	}

	if len(agentSubs) >= r.cfg.MaxSubscriptionsPerAgent {
		return ErrSubscriptionLimit
	}
	topics := make(map[string]struct{}, len(agentSubs))
	for sub := range agentSubs {
		topics[sub.Topic] = struct{}{}
	}
	if len(topics) >= r.cfg.MaxTopicsPerAgent {
		return ErrSubscriptionLimit
	}

	sub, err := newSubscription(agentID, topic)
	if err != nil {
		return fmt.Errorf("invalid topic pattern %q: %w", topic, err)
	}

	if r.byTopic[topic] == nil {
		r.byTopic[topic] = make(map[*Subscription]struct{})
	}
	r.byTopic[topic][sub] = struct{}{}
	if r.byAgent[agentID] == nil {
		r.byAgent[agentID] = make(map[*Subscription]struct{})
	}
	r.byAgent[agentID][sub] = struct{}{}

	r.logger.Debug("agent subscribed",
		zap.String("agent_id", agentID),
		zap.String("topic", topic),
		zap.Bool("wildcard", sub.IsWildcard))
	return nil
}

// Unsubscribe removes the binding. Idempotent; empty index entries are
// garbage-collected.
func (r *Router) Unsubscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.byAgent[agentID] {
		if sub.Topic != topic {
			continue
		}
		delete(r.byAgent[agentID], sub)
		if len(r.byAgent[agentID]) == 0 {
			delete(r.byAgent, agentID)
		}
		delete(r.byTopic[topic], sub)
		if len(r.byTopic[topic]) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

// UnsubscribeAgent removes every subscription and the handler for an agent.
// Used when the owning agent is deregistered.
func (r *Router) UnsubscribeAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.byAgent[agentID] {
		delete(r.byTopic[sub.Topic], sub)
		if len(r.byTopic[sub.Topic]) == 0 {
			delete(r.byTopic, sub.Topic)
		}
	}
	delete(r.byAgent, agentID)
	delete(r.handlers, agentID)
}

// Publish delivers the message to every matching subscription concurrently.
// All handlers are invoked; the first failure becomes the returned error.
// Publishing to a topic with no subscribers succeeds.
func (r *Router) Publish(ctx context.Context, topic string, m *protocol.Message) error {
	type delivery struct {
		sub     *Subscription
		handler Handler
	}

	// Point-in-time subscriber snapshot. A subscription removed after this
	// point still receives the message; one removed before does not.
	r.mu.RLock()
	var deliveries []delivery
	seen := make(map[*Subscription]struct{})
	// Everything registered under the exact topic string, wildcard patterns
	// included: a subscriber of "topic.*" still hears a publish to the
	// literal "topic.*".
	for sub := range r.byTopic[topic] {
		seen[sub] = struct{}{}
		deliveries = append(deliveries, delivery{sub: sub, handler: r.handlers[sub.AgentID]})
	}
	if r.cfg.WildcardEnabled {
		for pattern, subs := range r.byTopic {
			if pattern == topic {
				continue
			}
			for sub := range subs {
				if _, dup := seen[sub]; dup {
					continue
				}
				if sub.matches(topic) {
					seen[sub] = struct{}{}
					deliveries = append(deliveries, delivery{sub: sub, handler: r.handlers[sub.AgentID]})
				}
			}
		}
	}
	r.mu.RUnlock()

	if len(deliveries) == 0 {
		r.logger.Debug("no subscribers for topic", zap.String("topic", topic))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range deliveries {
		d := d
		g.Go(func() error {
			err := r.deliver(gctx, d.sub, d.handler, m)
			r.mu.Lock()
			if err != nil {
				d.sub.FailedDeliveries++
			} else {
				d.sub.DeliveryCount++
				d.sub.LastDelivery = time.Now()
			}
			r.mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

// deliver invokes one handler under the delivery timeout.
func (r *Router) deliver(ctx context.Context, sub *Subscription, handler Handler, m *protocol.Message) error {
	if handler == nil {
		return fmt.Errorf("No message handler found for agent %s", sub.AgentID)
	}

	if r.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		defer cancel()
	}
	return handler(ctx, m)
}

// SubscriptionInfo is a read-only view of a subscription's accounting.
type SubscriptionInfo struct {
	AgentID          string
	Topic            string
	IsWildcard       bool
	LastDelivery     time.Time
	DeliveryCount    int64
	FailedDeliveries int64
}

// Subscriptions returns the current subscriptions for an agent.
func (r *Router) Subscriptions(agentID string) []SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(r.byAgent[agentID]))
	for sub := range r.byAgent[agentID] {
		out = append(out, SubscriptionInfo{
			AgentID:          sub.AgentID,
			Topic:            sub.Topic,
			IsWildcard:       sub.IsWildcard,
			LastDelivery:     sub.LastDelivery,
			DeliveryCount:    sub.DeliveryCount,
			FailedDeliveries: sub.FailedDeliveries,
		})
	}
	return out
}

// TopicCount returns the number of indexed topics.
func (r *Router) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}
