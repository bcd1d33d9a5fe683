// Package queue implements the durable per-conversation work queue backing the
// store-and-forward delivery mode. Items are FIFO within one conversation;
// failed items are re-enqueued at the tail with a bounded retry count and land
// on a dead-letter list once the ceiling is exceeded.
package queue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stylehive/stylist/pkg/metrics"
)

// DefaultMaxRetries is the retry ceiling; the fourth failure dead-letters.
const DefaultMaxRetries = 3

// Item is one queued chat message.
type Item struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	RetryCount     int    `json:"retry_count"`
}

// Backend is the durable list storage: push-right/pop-left keyed by
// conversation, plus enumeration of conversations with pending items.
type Backend interface {
	PushRight(ctx context.Context, key string, data []byte) error
	// PopLeft returns (nil, false, nil) when the list is empty.
	PopLeft(ctx context.Context, key string) ([]byte, bool, error)
	ActiveKeys(ctx context.Context) ([]string, error)
}

func queueKey(convID string) string      { return "chatq:" + convID }
func deadLetterKey(convID string) string { return "chatq:dead:" + convID }

// WorkQueue layers item serialization and the retry policy over a Backend.
type WorkQueue struct {
	backend    Backend
	maxRetries int
	metrics    metrics.Sink
}

type Option func(*WorkQueue)

func WithMaxRetries(n int) Option {
	return func(q *WorkQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithMetrics(sink metrics.Sink) Option {
	return func(q *WorkQueue) { q.metrics = metrics.OrNop(sink) }
}

func NewWorkQueue(backend Backend, opts ...Option) (*WorkQueue, error) {
	if backend == nil {
		return nil, errors.New("queue: backend is nil")
	}
	q := &WorkQueue{
		backend:    backend,
		maxRetries: DefaultMaxRetries,
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *WorkQueue) Enqueue(ctx context.Context, convID, message string) error {
	if q == nil || q.backend == nil {
		return errors.New("queue: not initialized")
	}
	if convID == "" {
		return errors.New("queue: empty conversation id")
	}
	return q.push(ctx, queueKey(convID), Item{ConversationID: convID, Message: message})
}

// Dequeue is a non-blocking pop-or-empty; callers poll.
func (q *WorkQueue) Dequeue(ctx context.Context, convID string) (Item, bool, error) {
	if q == nil || q.backend == nil {
		return Item{}, false, errors.New("queue: not initialized")
	}
	data, ok, err := q.backend.PopLeft(ctx, queueKey(convID))
	if err != nil || !ok {
		return Item{}, false, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		// A corrupt item cannot be retried; drop it loudly.
		log.Error().Err(err).Str("component", "queue").Str("conv_id", convID).Msg("dropping undecodable queue item")
		return Item{}, false, nil
	}
	return item, true, nil
}

// Retry re-enqueues a failed item at the tail, or pushes it to the
// conversation's dead-letter list once the retry ceiling is exceeded.
// It reports whether the item was re-enqueued.
func (q *WorkQueue) Retry(ctx context.Context, item Item) (bool, error) {
	if q == nil || q.backend == nil {
		return false, errors.New("queue: not initialized")
	}
	item.RetryCount++
	if item.RetryCount > q.maxRetries {
		q.metrics.QueueDeadLetter(item.ConversationID)
		log.Error().
			Str("component", "queue").
			Str("conv_id", item.ConversationID).
			Int("retry_count", item.RetryCount).
			Msg("retry ceiling exceeded, moving item to dead letter list")
		if err := q.push(ctx, deadLetterKey(item.ConversationID), item); err != nil {
			return false, errors.Wrap(err, "queue: dead letter push")
		}
		return false, nil
	}
	q.metrics.QueueRetry(item.ConversationID, item.RetryCount)
	log.Warn().
		Str("component", "queue").
		Str("conv_id", item.ConversationID).
		Int("retry_count", item.RetryCount).
		Msg("re-enqueueing failed item")
	if err := q.push(ctx, queueKey(item.ConversationID), item); err != nil {
		return false, err
	}
	return true, nil
}

// ActiveConversations lists conversations with pending items, for the poller.
func (q *WorkQueue) ActiveConversations(ctx context.Context) ([]string, error) {
	if q == nil || q.backend == nil {
		return nil, errors.New("queue: not initialized")
	}
	keys, err := q.backend.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	convs := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, "chatq:dead:") {
			continue
		}
		if strings.HasPrefix(k, "chatq:") {
			convs = append(convs, strings.TrimPrefix(k, "chatq:"))
		}
	}
	return convs, nil
}

func (q *WorkQueue) push(ctx context.Context, key string, item Item) error {
	b, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "queue: encode item")
	}
	return q.backend.PushRight(ctx, key, b)
}
