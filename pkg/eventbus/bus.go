package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BuildPublisher returns a Redis Streams publisher when enabled, and an
// in-process Go channel publisher otherwise.
func BuildPublisher(s Settings) (message.Publisher, error) {
	logger := NewLogger(log.Logger)
	if !s.Enabled {
		return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger), nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return &clientPublisher{Publisher: pub, client: client}, nil
}

// BuildSubscriber returns a Redis Streams subscriber bound to the configured
// consumer group. There is nothing to subscribe to across processes when the
// bus is disabled, so that is an error.
func BuildSubscriber(s Settings) (message.Subscriber, error) {
	if !s.Enabled {
		return nil, errors.New("event bus is disabled (set eventbus.enabled)")
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return &clientSubscriber{Subscriber: sub, client: client}, nil
}

// The redisstream publisher and subscriber do not own the client they are
// given; these wrappers close it after them.

type clientPublisher struct {
	message.Publisher
	client redis.UniversalClient
}

func (p *clientPublisher) Close() error {
	err := p.Publisher.Close()
	if cerr := p.client.Close(); err == nil {
		err = cerr
	}
	return err
}

type clientSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
}

func (s *clientSubscriber) Close() error {
	err := s.Subscriber.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// EnsureGroupAtTail creates the consumer group at "$" if it does not exist yet,
// so a fresh tail does not replay the whole stream.
func EnsureGroupAtTail(ctx context.Context, s Settings) error {
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	defer func() { _ = client.Close() }()

	stream := Topic(s.StreamPrefix)
	err := client.XGroupCreateMkStream(ctx, stream, s.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", s.Group, stream)
	}
	log.Info().Str("component", "eventbus").Str("stream", stream).Str("group", s.Group).Msg("created consumer group at tail")
	return nil
}
