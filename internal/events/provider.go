package events

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Provide builds the configured event bus: NATS when a URL is set, otherwise
// the in-memory bus. The returned cleanup closes the bus.
func Provide(cfg config.NATSConfig, log *logger.Logger) (EventBus, func(), error) {
	if strings.TrimSpace(cfg.URL) != "" {
		bus, err := NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return bus, bus.Close, nil
	}

	bus := NewMemoryEventBus(log)
	return bus, bus.Close, nil
}
