// Package queue implements the persistent retry-capable message queue with
// priority ordering, dead-lettering, and at-most-one-in-flight semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

const (
	messageKeyPrefix = "message:"
	prioritySetKey   = "message-queue"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = &protocol.Error{Code: protocol.CodeQueueFull, Message: "Message queue is full"}

// Config holds queue tuning parameters.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	DeadLetterQueue string
	MaxQueueSize    int
	MessageTTL      time.Duration
}

// DefaultConfig returns the standard queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      5 * time.Second,
		DeadLetterQueue: "dead-letter",
		MaxQueueSize:    10000,
		MessageTTL:      24 * time.Hour,
	}
}

// Queue is a multi-producer, multi-consumer priority queue. The backing
// store is shared across processes; the processing set is process-local, so
// duplicate in-flight protection only holds within one process.
type Queue struct {
	backend Backend
	cfg     Config
	logger  *logger.Logger

	mu         sync.Mutex
	processing map[string]struct{}

	now func() time.Time
}

// New creates a queue on the given backend.
func New(backend Backend, cfg Config, log *logger.Logger) *Queue {
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = "dead-letter"
	}
	return &Queue{
		backend:    backend,
		cfg:        cfg,
		logger:     log.WithComponent("message-queue"),
		processing: make(map[string]struct{}),
		now:        time.Now,
	}
}

func messageKey(id string) string {
	return messageKeyPrefix + id
}

// Enqueue stores the message and indexes it by priority. Higher priority
// values dequeue first.
func (q *Queue) Enqueue(ctx context.Context, m *protocol.Message, priority float64) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	if stats.QueueSize >= q.cfg.MaxQueueSize {
		return ErrQueueFull
	}

	record := &QueuedMessage{
		ID:         m.CorrelationID,
		Message:    m,
		Priority:   priority,
		Status:     StatusPending,
		EnqueuedAt: q.now(),
	}
	if err := q.writeRecord(ctx, record); err != nil {
		return err
	}
	if err := q.backend.ZAdd(ctx, prioritySetKey, record.ID, priority); err != nil {
		return fmt.Errorf("failed to index message %s: %w", record.ID, err)
	}

	q.logger.Debug("message enqueued",
		zap.String("message_id", record.ID),
		zap.String("message_type", string(m.Type)),
		zap.Float64("priority", priority))
	return nil
}

// Dequeue pops the highest-priority pending message and marks it processing.
// Returns nil when the queue is empty, when the popped id is already being
// processed by this instance, or when the backing record has expired.
func (q *Queue) Dequeue(ctx context.Context) (*QueuedMessage, error) {
	id, score, ok, err := q.backend.ZPopMax(ctx, prioritySetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to pop priority set: %w", err)
	}
	if !ok {
		return nil, nil
	}

	q.mu.Lock()
	_, inFlight := q.processing[id]
	q.mu.Unlock()
	if inFlight {
		// Contention guard: put it back with its prior score and let another
		// consumer pick it up after this instance acknowledges.
		if err := q.backend.ZAdd(ctx, prioritySetKey, id, score); err != nil {
			return nil, fmt.Errorf("failed to restore contended message %s: %w", id, err)
		}
		return nil, nil
	}

	record, found, err := q.readRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		// Record expired out from under the index; reap the id.
		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()
		q.logger.Debug("reaped expired message", zap.String("message_id", id))
		return nil, nil
	}

	record.Status = StatusProcessing
	record.LastAttempt = q.now()
	if err := q.writeRecord(ctx, record); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.processing[id] = struct{}{}
	q.mu.Unlock()

	q.logger.Debug("message dequeued",
		zap.String("message_id", id),
		zap.Int("retries", record.Retries))
	return record, nil
}

// Acknowledge removes a successfully processed message.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	if err := q.backend.Del(ctx, messageKey(id)); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	if err := q.backend.ZRem(ctx, prioritySetKey, id); err != nil {
		return fmt.Errorf("failed to deindex message %s: %w", id, err)
	}

	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()

	q.logger.Debug("message acknowledged", zap.String("message_id", id))
	return nil
}

// HandleFailure increments the retry counter and either reschedules the
// message (priority preserved) or moves it to the dead-letter queue once the
// retry budget is exhausted. Reports whether the message was dead-lettered.
func (q *Queue) HandleFailure(ctx context.Context, id string) (bool, error) {
	record, found, err := q.readRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("message %s not found", id)
	}

	record.Retries++

	if record.Retries > q.cfg.MaxRetries {
		record.Status = StatusDeadLetter
		data, err := json.Marshal(record)
		if err != nil {
			return false, fmt.Errorf("failed to marshal dead-lettered message %s: %w", id, err)
		}
		if err := q.backend.LPush(ctx, q.cfg.DeadLetterQueue, string(data)); err != nil {
			return false, fmt.Errorf("failed to dead-letter message %s: %w", id, err)
		}
		if err := q.backend.Del(ctx, messageKey(id)); err != nil {
			return false, fmt.Errorf("failed to delete dead-lettered message %s: %w", id, err)
		}
		if err := q.backend.ZRem(ctx, prioritySetKey, id); err != nil {
			return false, fmt.Errorf("failed to deindex dead-lettered message %s: %w", id, err)
		}

		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()

		q.logger.Warn("message moved to dead-letter queue",
			zap.String("message_id", id),
			zap.Int("retries", record.Retries))
		return true, nil
	}

	record.Status = StatusPending
	record.NextAttempt = q.now().Add(q.cfg.RetryDelay)
	if err := q.writeRecord(ctx, record); err != nil {
		return false, err
	}
	if err := q.backend.ZAdd(ctx, prioritySetKey, id, record.Priority); err != nil {
		return false, fmt.Errorf("failed to reindex message %s: %w", id, err)
	}

	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()

	q.logger.Debug("message scheduled for retry",
		zap.String("message_id", id),
		zap.Int("retries", record.Retries),
		zap.Time("next_attempt", record.NextAttempt))
	return false, nil
}

// Stats returns queue depth counters. QueueSize excludes in-flight messages.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	keys, err := q.backend.Keys(ctx, messageKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	dlqLen, err := q.backend.LLen(ctx, q.cfg.DeadLetterQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	q.mu.Lock()
	processingCount := len(q.processing)
	q.mu.Unlock()

	size := len(keys) - processingCount
	if size < 0 {
		size = 0
	}
	return &Stats{
		QueueSize:       size,
		ProcessingCount: processingCount,
		DeadLetterCount: int(dlqLen),
	}, nil
}

// DeadLetters returns the dead-letter queue contents, newest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*QueuedMessage, error) {
	entries, err := q.backend.LRange(ctx, q.cfg.DeadLetterQueue, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter queue: %w", err)
	}

	out := make([]*QueuedMessage, 0, len(entries))
	for _, entry := range entries {
		var record QueuedMessage
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			q.logger.Warn("skipping undecodable dead letter", zap.Error(err))
			continue
		}
		out = append(out, &record)
	}
	return out, nil
}

// Clear removes all queue state, including dead letters.
func (q *Queue) Clear(ctx context.Context) error {
	keys, err := q.backend.Keys(ctx, messageKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	for _, key := range keys {
		if err := q.backend.Del(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	if err := q.backend.Del(ctx, prioritySetKey); err != nil {
		return fmt.Errorf("failed to delete priority set: %w", err)
	}
	if err := q.backend.Del(ctx, q.cfg.DeadLetterQueue); err != nil {
		return fmt.Errorf("failed to delete dead-letter queue: %w", err)
	}

	q.mu.Lock()
	q.processing = make(map[string]struct{})
	q.mu.Unlock()

	q.logger.Info("queue cleared")
	return nil
}

func (q *Queue) readRecord(ctx context.Context, id string) (*QueuedMessage, bool, error) {
	data, ok, err := q.backend.Get(ctx, messageKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}

	var record QueuedMessage
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, false, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return &record, true, nil
}

func (q *Queue) writeRecord(ctx context.Context, record *QueuedMessage) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", record.ID, err)
	}
	if err := q.backend.Set(ctx, messageKey(record.ID), string(data), q.cfg.MessageTTL); err != nil {
		return fmt.Errorf("failed to store message %s: %w", record.ID, err)
	}
	return nil
}
