package realtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	BackendGoChannel = "gochannel"
	BackendRedis     = "redis"
)

type PubSubConfig struct {
	// Backend is BackendGoChannel (single process) or BackendRedis (shared between processes).
	Backend string

	// OutputChannelBuffer is the buffer of every gochannel subscription.
	OutputChannelBuffer int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func (c *PubSubConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendGoChannel
	}
	if c.OutputChannelBuffer == 0 {
		c.OutputChannelBuffer = 64
	}
}

func (c PubSubConfig) validate() error {
	switch c.Backend {
	case BackendGoChannel:
		return nil
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address is required for the redis backend")
		}
		return nil
	}
	return errors.Errorf("unknown realtime backend %q", c.Backend)
}

// PubSub carries change notifications between the store and the feeds.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// NewPubSub creates the Pub/Sub selected by config.Backend.
//
// The redis backend reads streams without a consumer group,
// so every subscription gets every change, like the gochannel one.
func NewPubSub(ctx context.Context, config PubSubConfig, logger watermill.LoggerAdapter) (*PubSub, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid PubSub config")
	}

	switch config.Backend {
	case BackendRedis:
		return newRedisPubSub(ctx, config, logger)
	default:
		goChannel := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: config.OutputChannelBuffer,
		}, logger)

		return &PubSub{
			Publisher:  goChannel,
			Subscriber: goChannel,
			closers:    []func() error{goChannel.Close},
		}, nil
	}
}

func newRedisPubSub(ctx context.Context, config PubSubConfig, logger watermill.LoggerAdapter) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "cannot connect to redis at %s", config.RedisAddr)
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		},
		logger,
	)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "cannot create redis publisher")
	}

	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:       client,
			Unmarshaller: redisstream.DefaultMarshallerUnmarshaller{},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "cannot create redis subscriber")
	}

	return &PubSub{
		Publisher:  publisher,
		Subscriber: subscriber,
		closers:    []func() error{subscriber.Close, publisher.Close, client.Close},
	}, nil
}

// Decorate replaces the publisher and the subscriber, for example with metrics decorators.
// Closing the PubSub still closes the original ones.
func (p *PubSub) Decorate(
	decoratePublisher func(message.Publisher) (message.Publisher, error),
	decorateSubscriber func(message.Subscriber) (message.Subscriber, error),
) error {
	pub, err := decoratePublisher(p.Publisher)
	if err != nil {
		return errors.Wrap(err, "cannot decorate publisher")
	}
	sub, err := decorateSubscriber(p.Subscriber)
	if err != nil {
		return errors.Wrap(err, "cannot decorate subscriber")
	}

	p.Publisher = pub
	p.Subscriber = sub
	return nil
}

func (p *PubSub) Close() error {
	var err error
	for _, closeFn := range p.closers {
		if closeErr := closeFn(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}
	return err
}
