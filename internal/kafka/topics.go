package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"ms-ticket-commerce/internal/logger"
)

// EnsureTopicsExist creates Kafka topics if they don't already exist
func EnsureTopicsExist(brokers []string, topics []string, partitions int, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	existing, err := listTopics(conn)
	if err != nil {
		return err
	}

	for _, topic := range topics {
		if existing[topic] {
			continue
		}
		err = controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			log.Error("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
			continue
		}
		log.LogKafka("CREATE", topic, "topic ready")
	}
	return nil
}

func listTopics(conn *kafka.Conn) (map[string]bool, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, err
	}
	topics := make(map[string]bool)
	for _, p := range partitions {
		topics[p.Topic] = true
	}
	return topics, nil
}
