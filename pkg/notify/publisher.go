// Package notify publishes a message for every chunk the follower commits, so that consumers
// (caches, web views) can refresh without polling the index.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/follower"
)

const DefaultTopic = "ssb-archive.chunks"

// Metadata keys set on every published message.
const (
	MetadataFirst = "first"
	MetadataLast  = "last"
)

// Publisher turns committed chunks into watermill messages carrying the chunk's BatchResult as
// JSON.
type Publisher struct {
	pub   message.Publisher
	topic string
}

var _ follower.Notifier = &Publisher{}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic}
}

// NewGoChannel returns a publisher on an in-process channel, together with the channel so
// callers can subscribe to it. Publishing waits until every subscriber acked the message, which
// keeps chunks in commit order; subscribers must ack promptly or they hold up the follower.
func NewGoChannel(topic string) (*Publisher, *gochannel.GoChannel) {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewZerologAdapter(log.Logger))
	return NewPublisher(ch, topic), ch
}

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) ChunkCommitted(ctx context.Context, res follower.BatchResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "notify: encode chunk")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataFirst, strconv.FormatUint(res.First, 10))
	msg.Metadata.Set(MetadataLast, strconv.FormatUint(res.Last, 10))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "notify: publish to %s", p.topic)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}

// DecodeChunk reads the BatchResult back out of a published message.
func DecodeChunk(msg *message.Message) (follower.BatchResult, error) {
	var res follower.BatchResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return follower.BatchResult{}, errors.Wrapf(err, "notify: decode chunk %s", msg.UUID)
	}
	return res, nil
}
