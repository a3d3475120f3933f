package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"gobuild/monitor/connection"
	"gobuild/monitor/shared/message"
)

// DefaultTopics maps the pipeline's Kafka topics onto channel topics.
var DefaultTopics = map[string]string{
	"build-status":  message.TopicBuildStatus,
	"build-logs":    message.TopicBuildLogs,
	"build-steps":   message.TopicBuildStep,
	"notifications": message.TopicNotification,
	"system":        message.TopicSystem,
}

// Dialer lets the connection manager use a Kafka consumer group as its
// channel. Each Kafka message value is the JSON payload of one event; the
// Kafka topic selects the channel topic.
type Dialer struct {
	BootstrapServers string
	GroupID          string
	Topics           map[string]string
	Logger           *slog.Logger
}

func NewDialer(bootstrapServers, groupID string) *Dialer {
	return &Dialer{
		BootstrapServers: bootstrapServers,
		GroupID:          groupID,
		Topics:           DefaultTopics,
		Logger:           slog.Default(),
	}
}

// Dial creates a consumer and subscribes it. The token is passed to the
// brokers as an OAUTHBEARER credential when SASL is configured for it.
func (d *Dialer) Dial(ctx context.Context, token string) (connection.Stream, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  d.BootstrapServers,
		"group.id":           d.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": "true",
	})
	if err != nil {
		return nil, err
	}

	topics := make([]string, 0, len(d.Topics))
	for t := range d.Topics {
		topics = append(topics, t)
	}
	if err := c.SubscribeTopics(topics, nil); err != nil {
		c.Close()
		return nil, err
	}
	d.setToken(c, token)

	return &stream{consumer: c, topics: d.Topics}, nil
}

type tokenSetter interface {
	SetOAuthBearerToken(kafka.OAuthBearerToken) error
}

// setToken fails when the consumer is not configured for OAUTHBEARER. That
// is the normal case for plaintext brokers, so the error is only logged.
func (d *Dialer) setToken(c tokenSetter, token string) {
	if token == "" {
		return
	}
	if err := c.SetOAuthBearerToken(kafka.OAuthBearerToken{TokenValue: token}); err != nil {
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("oauthbearer token not set", "group_id", d.GroupID, "error", err)
	}
}

type stream struct {
	consumer  *kafka.Consumer
	topics    map[string]string
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *stream) Read(ctx context.Context) (message.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return message.Envelope{}, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return message.Envelope{}, fmt.Errorf("kafka stream closed")
		}
		ev := s.consumer.Poll(100)
		s.mu.Unlock()
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			env, ok := s.envelope(e)
			if !ok {
				continue
			}
			return env, nil
		case kafka.Error:
			if e.Code() == kafka.ErrAllBrokersDown {
				return message.Envelope{}, e
			}
		}
	}
}

func (s *stream) envelope(m *kafka.Message) (message.Envelope, bool) {
	if m.TopicPartition.Topic == nil {
		return message.Envelope{}, false
	}
	topic, ok := s.topics[*m.TopicPartition.Topic]
	if !ok || !json.Valid(m.Value) {
		return message.Envelope{}, false
	}
	return message.Envelope{Event: topic, Data: json.RawMessage(m.Value)}, true
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = s.consumer.Close()
	})
	return err
}
