package router

import (
	"regexp"
	"strings"
	"time"
)

// Subscription records one (agent, topic) binding and its delivery counters.
// Counters are mutated by the router under its lock.
type Subscription struct {
	AgentID    string
	Topic      string
	IsWildcard bool

	LastDelivery     time.Time
	DeliveryCount    int64
	FailedDeliveries int64

	pattern *regexp.Regexp
}

// newSubscription compiles the topic into an anchored matcher when it
// contains wildcards. Every '*' matches any run of characters; everything
// else matches literally.
func newSubscription(agentID, topic string) (*Subscription, error) {
	sub := &Subscription{
		AgentID:    agentID,
		Topic:      topic,
		IsWildcard: strings.Contains(topic, "*"),
	}
	if sub.IsWildcard {
		parts := strings.Split(topic, "*")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		pattern, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
		if err != nil {
			return nil, err
		}
		sub.pattern = pattern
	}
	return sub, nil
}

// matches reports whether a published topic is covered by this subscription.
func (s *Subscription) matches(topic string) bool {
	if !s.IsWildcard {
		return s.Topic == topic
	}
	return s.pattern.MatchString(topic)
}
