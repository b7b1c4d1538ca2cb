package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/transport"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// queuePollInterval paces the dispatch loop when the queue is empty.
const queuePollInterval = 100 * time.Millisecond

// TransportEvents builds the callback set that plugs the orchestrator into a
// transport server: inbound messages flow through HandleMessage and the
// handler's response, when there is one, is sent back on the same connection
// unchanged. send is the transport's Send, passed as a closure so the server
// can be constructed after the callbacks.
func (o *Orchestrator) TransportEvents(send func(connID string, m *protocol.Message) error) transport.Events {
	return transport.Events{
		OnConnection: func(id string) {
			o.logger.Debug("transport connection opened", zap.String("connection_id", id))
		},
		OnMessage: func(connID string, m *protocol.Message) {
			resp, err := o.HandleMessage(context.Background(), m)
			if err != nil {
				frame := protocol.NewErrorMessage("orchestrator", m.Sender, m.CorrelationID, errorCode(err), err.Error())
				if sendErr := send(connID, frame); sendErr != nil {
					o.logger.Warn("failed to send error frame",
						zap.String("connection_id", connID),
						zap.Error(sendErr))
				}
				return
			}
			if resp == nil {
				return
			}
			if err := send(connID, resp); err != nil {
				o.logger.Warn("failed to send response",
					zap.String("connection_id", connID),
					zap.Error(err))
			}
		},
		OnClose: func(id string) {
			o.logger.Debug("transport connection closed", zap.String("connection_id", id))
		},
		OnError: func(id string, err error) {
			o.logger.Warn("transport error",
				zap.String("connection_id", id),
				zap.Error(err))
		},
	}
}

// errorCode extracts the wire error code, defaulting to INTERNAL_ERROR.
func errorCode(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return protocol.CodeInternalError
}

// BindAgentTopics registers the agent's router handler and subscribes it to
// its topics. Published topic messages reach the agent like direct ones.
func (o *Orchestrator) BindAgentTopics(agentID string, topics ...string) error {
	if o.deps.Router == nil {
		return fmt.Errorf("no router configured")
	}
	a, ok := o.Agent(agentID)
	if !ok {
		return protocol.NewError(protocol.CodeAgentNotFound,
			fmt.Sprintf("Agent %s not found", agentID))
	}

	o.deps.Router.RegisterHandler(agentID, func(ctx context.Context, m *protocol.Message) error {
		_, err := a.HandleMessage(ctx, m)
		return err
	})
	for _, topic := range topics {
		if err := o.deps.Router.Subscribe(agentID, topic); err != nil {
			return err
		}
	}
	return nil
}

// UnbindAgentTopics drops the agent's subscriptions and router handler.
func (o *Orchestrator) UnbindAgentTopics(agentID string) {
	if o.deps.Router == nil {
		return
	}
	o.deps.Router.UnsubscribeAgent(agentID)
}

// PublishToTopic fans a message out to the topic's subscribers.
func (o *Orchestrator) PublishToTopic(ctx context.Context, topic string, m *protocol.Message) error {
	if o.deps.Router == nil {
		return fmt.Errorf("no router configured")
	}
	return o.deps.Router.Publish(ctx, topic, m)
}

// EnqueueMessage defers a message through the persistent queue. Priority
// falls back to the message's own priority field.
func (o *Orchestrator) EnqueueMessage(ctx context.Context, m *protocol.Message) error {
	if o.deps.Queue == nil {
		return fmt.Errorf("no queue configured")
	}
	priority := 0.0
	if m.Priority != nil {
		priority = float64(*m.Priority)
	}
	return o.deps.Queue.Enqueue(ctx, m, priority)
}

// SyncStates reconciles the cache from the durable store and announces a
// successful pass on the event bus.
func (o *Orchestrator) SyncStates(ctx context.Context) (int, error) {
	if o.deps.Persistence == nil {
		return 0, fmt.Errorf("no persistence configured")
	}
	synced, err := o.deps.Persistence.SyncStates(ctx)
	if err != nil {
		return 0, err
	}
	o.publishEvent(ctx, events.SubjectStatesSynced, map[string]any{"syncedCount": synced})
	return synced, nil
}

// RunDispatcher drains the queue until the context is cancelled: each
// dequeued message goes through HandleMessage, acknowledged on success and
// handed to the retry/dead-letter path on failure. A configured limiter
// paces dequeue attempts by its token budget.
func (o *Orchestrator) RunDispatcher(ctx context.Context) {
	o.logger.Info("dispatcher started")
	defer o.logger.Info("dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if o.deps.Limiter != nil && !o.deps.Limiter.AcquireToken() {
			o.sleep(ctx, o.deps.Limiter.TimeUntilNextToken())
			continue
		}

		qm, err := o.deps.Queue.Dequeue(ctx)
		if err != nil {
			o.logger.Error("dequeue failed", zap.Error(err))
			o.sleep(ctx, queuePollInterval)
			continue
		}
		if qm == nil {
			o.sleep(ctx, queuePollInterval)
			continue
		}

		if _, err := o.HandleMessage(ctx, qm.Message); err != nil {
			o.logger.Warn("queued message handling failed",
				zap.String("message_id", qm.ID),
				zap.Int("retries", qm.Retries),
				zap.Error(err))
			deadLettered, ferr := o.deps.Queue.HandleFailure(ctx, qm.ID)
			if ferr != nil {
				o.logger.Error("failed to record message failure",
					zap.String("message_id", qm.ID),
					zap.Error(ferr))
			} else if deadLettered {
				o.publishEvent(ctx, events.SubjectMessageDeadLetter, map[string]any{
					"messageId": qm.ID,
					"error":     err.Error(),
				})
			}
			continue
		}

		if err := o.deps.Queue.Acknowledge(ctx, qm.ID); err != nil {
			o.logger.Error("failed to acknowledge message",
				zap.String("message_id", qm.ID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
