package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier is what the supervisor needs to report to an operator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Publisher turns notifications into JSON watermill messages on one topic.
type Publisher struct {
	pub    message.Publisher
	topic  string
	logger zerolog.Logger
}

var _ Notifier = (*Publisher)(nil)

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		pub:    pub,
		topic:  topic,
		logger: log.With().Str("component", "notify").Str("topic", topic).Logger(),
	}
}

func (p *Publisher) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "notify: marshal")
	}
	msg := message.NewMessage(n.ID, b)
	msg.Metadata.Set("kind", string(n.Kind))
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("publish notification failed")
		return errors.Wrap(err, "notify: publish")
	}
	p.logger.Debug().Str("kind", string(n.Kind)).Str("id", n.ID).Msg("notification published")
	return nil
}

func Decode(msg *message.Message) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return Notification{}, errors.Wrap(err, "notify: decode")
	}
	return n, nil
}

// Subscribe opens the subscription without reading from it, so callers can
// subscribe before anything is published.
func Subscribe(ctx context.Context, sub message.Subscriber, topic string) (<-chan *message.Message, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "notify: subscribe")
	}
	return ch, nil
}

// Handle drains msgs until ctx is done or the channel closes. Undecodable
// messages are acked and skipped; a handler error nacks the message.
func Handle(ctx context.Context, msgs <-chan *message.Message, handler func(Notification) error) error {
	logger := log.With().Str("component", "notify").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			n, err := Decode(msg)
			if err != nil {
				logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("failed to decode notification")
				msg.Ack()
				continue
			}
			if err := handler(n); err != nil {
				logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notification handler failed")
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}
