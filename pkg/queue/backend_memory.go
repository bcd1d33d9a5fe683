package queue

import (
	"context"
	"sync"
)

// MemoryBackend is the in-process fallback used in dev and tests. Same
// semantics as the Redis lists, minus durability.
type MemoryBackend struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{lists: map[string][][]byte{}}
}

func (b *MemoryBackend) PushRight(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.lists[key] = append(b.lists[key], cp)
	return nil
}

func (b *MemoryBackend) PopLeft(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.lists[key]
	if len(items) == 0 {
		delete(b.lists, key)
		return nil, false, nil
	}
	head := items[0]
	if len(items) == 1 {
		delete(b.lists, key)
	} else {
		b.lists[key] = items[1:]
	}
	return head, true, nil
}

func (b *MemoryBackend) ActiveKeys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.lists))
	for k, v := range b.lists {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len reports the pending item count for one key.
func (b *MemoryBackend) Len(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lists[key])
}
