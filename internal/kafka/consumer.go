package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-ticket-commerce/internal/logger"
)

type Consumer struct {
	reader *kafka.Reader
	logger *logger.Logger
	topic  string
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: log, topic: topic}
}

// Start reads until ctx is cancelled. Handler errors are logged and the
// message is still committed; durable retries live in the domain action queue.
func (c *Consumer) Start(ctx context.Context, handler func(ctx context.Context, msg kafka.Message) error) {
	c.logger.LogKafka("CONSUME", c.topic, "consumer started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.LogKafka("CONSUME", c.topic, "consumer stopped")
				return
			}
			c.logger.Error("KAFKA", fmt.Sprintf("Error reading message from %s: %v", c.topic, err))
			continue
		}
		if err := handler(ctx, msg); err != nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Handler failed for %s key=%s: %v", c.topic, string(msg.Key), err))
		}
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
