// Package eventbus wires the watermill transport carrying upstream generation
// events from the publisher to per-conversation subscribers. The in-memory
// gochannel transport is the default; Redis Streams takes over when enabled.
package eventbus

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds the Redis Streams transport configuration.
type Settings struct {
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	Group        string `yaml:"group"`
	Consumer     string `yaml:"consumer"`
}

// Bus pairs the publisher and subscriber sides of one transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client redis.UniversalClient
	group  string
}

// PrepareTopic creates the consumer group for the topic's stream at the tail
// before the first subscribe, so a fresh subscriber does not replay history.
// No-op for the in-memory transport.
func (b *Bus) PrepareTopic(ctx context.Context, topic string) error {
	if b == nil || b.client == nil {
		return nil
	}
	return EnsureGroupAtTail(ctx, b.client, topic, b.group)
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if b.Subscriber != nil {
		if err := b.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build constructs the transport. When Redis is disabled, the returned
// publisher and subscriber are the same gochannel instance.
func Build(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.RedisEnabled {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{Publisher: pubsub, Subscriber: pubsub}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: redis subscriber")
	}

	return &Bus{Publisher: pub, Subscriber: sub, client: client, group: s.Group}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if
// it doesn't exist, preventing full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
