package notify

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds the notification transport configuration.
type Settings struct {
	RedisAddr string `glazed:"notify-redis-addr"`
	Topic     string `glazed:"notify-topic"`
	// MaxLen caps the Redis stream length. Zero leaves the stream unbounded.
	MaxLen   int    `glazed:"notify-max-len"`
	Group    string `glazed:"notify-group"`
	Consumer string `glazed:"notify-consumer"`
}

const SectionSlug = "notify"

// NewSection returns the section definition for the notification settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Chunk notifications over Redis Streams",
		schema.WithFields(
			fields.New("notify-redis-addr", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Redis server chunk notifications go through (empty = disabled)")),
			fields.New("notify-topic", fields.TypeString,
				fields.WithDefault(DefaultTopic),
				fields.WithHelp("Redis stream notifications are published to")),
			fields.New("notify-max-len", fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Cap the notification stream length (0 = unbounded)")),
			fields.New("notify-group", fields.TypeString,
				fields.WithDefault("ssb-archive"),
				fields.WithHelp("Redis consumer group")),
			fields.New("notify-consumer", fields.TypeString,
				fields.WithDefault("ssb-archive-1"),
				fields.WithHelp("Redis consumer name")),
		),
	)
}

// Enabled reports whether notifications go to Redis.
func (s Settings) Enabled() bool { return s.RedisAddr != "" }

// NewRedisPublisher publishes chunk notifications to a Redis stream named after the topic.
func NewRedisPublisher(s Settings) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	topic := s.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	cfg := rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}
	if s.MaxLen > 0 {
		cfg.Maxlens = map[string]int64{topic: int64(s.MaxLen)}
	}
	pub, err := rstream.NewPublisher(cfg, NewZerologAdapter(log.Logger))
	if err != nil {
		return nil, errors.Wrapf(err, "notify: redis publisher %s", s.RedisAddr)
	}
	return NewPublisher(pub, topic), nil
}

// NewRedisSubscriber returns a Redis Streams subscriber bound to the settings' consumer group
// and name.
func NewRedisSubscriber(s Settings) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewZerologAdapter(log.Logger))
	if err != nil {
		return nil, errors.Wrapf(err, "notify: redis subscriber %s", s.RedisAddr)
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it doesn't exist,
// so a new consumer does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "notify: create group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
