package queue

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const activeKeysSet = "chatq:keys"

// RedisBackend stores each queue as a Redis list (RPUSH/LPOP) and tracks the
// set of non-empty keys in a side set so the poller can enumerate them.
type RedisBackend struct {
	client redis.UniversalClient
}

var _ Backend = &RedisBackend{}

func NewRedisBackend(client redis.UniversalClient) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is nil")
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) PushRight(ctx context.Context, key string, data []byte) error {
	if err := b.client.RPush(ctx, key, data).Err(); err != nil {
		return errors.Wrap(err, "queue: rpush")
	}
	if err := b.client.SAdd(ctx, activeKeysSet, key).Err(); err != nil {
		return errors.Wrap(err, "queue: track key")
	}
	return nil
}

func (b *RedisBackend) PopLeft(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Lazily untrack drained keys.
		_ = b.client.SRem(ctx, activeKeysSet, key).Err()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "queue: lpop")
	}
	return data, true, nil
}

func (b *RedisBackend) ActiveKeys(ctx context.Context) ([]string, error) {
	keys, err := b.client.SMembers(ctx, activeKeysSet).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue: list keys")
	}
	return keys, nil
}
