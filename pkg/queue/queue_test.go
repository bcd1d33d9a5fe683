package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkQueueFIFOPerConversation(t *testing.T) {
	ctx := context.Background()
	q, err := NewWorkQueue(NewMemoryBackend())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "c1", "first"))
	require.NoError(t, q.Enqueue(ctx, "c1", "second"))
	require.NoError(t, q.Enqueue(ctx, "c2", "other"))

	item, ok, err := q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", item.Message)

	item, ok, err = q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", item.Message)

	_, ok, err = q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	item, ok, err = q.Dequeue(ctx, "c2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "other", item.Message)
}

func TestWorkQueueRetryCeilingMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	q, err := NewWorkQueue(backend, WithMaxRetries(3))
	require.NoError(t, err)

	item := Item{ConversationID: "c1", Message: "hi"}
	for i := 0; i < 3; i++ {
		requeued, err := q.Retry(ctx, item)
		require.NoError(t, err)
		require.True(t, requeued)

		var ok bool
		item, ok, err = q.Dequeue(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i+1, item.RetryCount)
	}

	requeued, err := q.Retry(ctx, item)
	require.NoError(t, err)
	require.False(t, requeued)

	require.Equal(t, 0, backend.Len(queueKey("c1")))
	require.Equal(t, 1, backend.Len(deadLetterKey("c1")))
}

func TestActiveConversationsSkipsDeadLetterLists(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	q, err := NewWorkQueue(backend, WithMaxRetries(0))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "live", "msg"))

	// Retry ceiling of zero dead-letters immediately.
	requeued, err := q.Retry(ctx, Item{ConversationID: "doomed", Message: "msg"})
	require.NoError(t, err)
	require.False(t, requeued)

	convs, err := q.ActiveConversations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, convs)
}

func TestDequeueDropsUndecodableItem(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	q, err := NewWorkQueue(backend)
	require.NoError(t, err)

	require.NoError(t, backend.PushRight(ctx, queueKey("c1"), []byte("{broken")))

	_, ok, err := q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, backend.Len(queueKey("c1")))
}
