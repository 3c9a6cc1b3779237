package cmds

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/notify"
)

// EventsCommand streams notifications as JSON lines. It is a writer command because it runs until
// interrupted and each notification has to be visible as soon as it arrives.
type EventsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*EventsCommand)(nil)

func NewEventsCommand() (*EventsCommand, error) {
	notifySection, err := notify.NewSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"events",
		cmds.WithShort("Print the chunk notifications a running follow publishes to Redis"),
		cmds.WithSections(notifySection),
	)
	return &EventsCommand{CommandDescription: desc}, nil
}

func (c *EventsCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &notify.Settings{}
	if err := parsedLayers.DecodeSectionInto(notify.SectionSlug, s); err != nil {
		return err
	}
	if !s.Enabled() {
		return errors.New("no notification transport configured (set --notify-redis-addr)")
	}
	topic := s.Topic
	if topic == "" {
		topic = notify.DefaultTopic
	}
	if err := notify.EnsureGroupAtTail(ctx, s.RedisAddr, topic, s.Group); err != nil {
		return err
	}
	sub, err := notify.NewRedisSubscriber(*s)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", topic)
	}
	return printEvents(msgs, w)
}

// printEvents writes one JSON line per decodable notification until msgs is closed.
func printEvents(msgs <-chan *message.Message, w io.Writer) error {
	enc := json.NewEncoder(w)
	for msg := range msgs {
		res, err := notify.DecodeChunk(msg)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Msg("skipping undecodable notification")
			continue
		}
		if err := enc.Encode(res); err != nil {
			return errors.Wrap(err, "write notification")
		}
	}
	return nil
}
