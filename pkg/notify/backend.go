package notify

import (
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	BackendGoChannel = "gochannel"
	BackendRedis     = "redis"
)

type Settings struct {
	Backend   string `mapstructure:"backend"`
	Topic     string `mapstructure:"topic"`
	RedisAddr string `mapstructure:"redis-addr"`
	Group     string `mapstructure:"group"`
	Consumer  string `mapstructure:"consumer"`
}

// Transport bundles the publisher and subscriber of one backend.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []io.Closer
}

func (t *Transport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open builds the transport for s.Backend. gochannel is in-process and the
// default; redis uses Redis Streams with a consumer group.
func Open(s Settings) (*Transport, error) {
	logger := NewWatermillLogger(log.With().Str("component", "watermill").Logger())
	switch s.Backend {
	case "", BackendGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Transport{Publisher: ch, Subscriber: ch, closers: []io.Closer{ch}}, nil

	case BackendRedis:
		if s.RedisAddr == "" {
			return nil, errors.New("notify: redis backend requires an address")
		}
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "notify: redis publisher")
		}
		group := s.Group
		if group == "" {
			group = "turnguard"
		}
		consumer := s.Consumer
		if consumer == "" {
			consumer = "turnguard-1"
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: group,
			Consumer:      consumer,
		}, logger)
		if err != nil {
			_ = pub.Close()
			_ = client.Close()
			return nil, errors.Wrap(err, "notify: redis subscriber")
		}
		return &Transport{Publisher: pub, Subscriber: sub, closers: []io.Closer{sub, pub, client}}, nil
	}
	return nil, errors.Errorf("notify: unknown backend %q", s.Backend)
}
