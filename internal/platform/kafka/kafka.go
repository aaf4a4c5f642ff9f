// Package kafka ships appointment events to a Kafka topic and reads them
// back for the CLI tail command.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ehr/frontdesk/internal/platform/events"
)

// MessageWriter is the subset of *kafkago.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer publishes events as JSON, keyed by appointment so a consumer
// sees one appointment's changes in order.
type Producer struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
}

func NewProducer(brokers []string, topic string, logger zerolog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
	}
	logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka producer created")
	return NewProducerWithWriter(w, topic, logger), nil
}

func NewProducerWithWriter(w MessageWriter, topic string, logger zerolog.Logger) *Producer {
	return &Producer{writer: w, topic: topic, logger: logger}
}

func (p *Producer) Publish(ctx context.Context, e events.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", e.Type, err)
	}
	p.logger.Debug().Str("topic", p.topic).Str("key", e.Key()).Str("type", string(e.Type)).Msg("event published")
	return nil
}

func (p *Producer) Topic() string { return p.topic }

func (p *Producer) Close() error {
	return p.writer.Close()
}

// MessageReader is the subset of *kafkago.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Consumer decodes events from a topic.
type Consumer struct {
	reader MessageReader
	logger zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger zerolog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewConsumerWithReader(r, logger), nil
}

func NewConsumerWithReader(r MessageReader, logger zerolog.Logger) *Consumer {
	return &Consumer{reader: r, logger: logger}
}

// Consume hands each decoded event to handle until ctx ends or the reader
// fails. Undecodable messages and handler errors are logged and skipped.
func (c *Consumer) Consume(ctx context.Context, handle func(events.Event) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: read message: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			c.logger.Warn().Err(err).Str("key", string(msg.Key)).Msg("skipping undecodable event")
			continue
		}
		if err := handle(e); err != nil {
			c.logger.Error().Err(err).Str("key", string(msg.Key)).Msg("event handler failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
