package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-ticket-commerce/internal/logger"
)

// Producer publishes keyed messages to any topic over one writer.
type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{Writer: writer, Logger: log}
}

// Publish writes a single message; the key keeps per-aggregate ordering.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, key)
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
