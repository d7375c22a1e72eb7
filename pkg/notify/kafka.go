package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes event envelopes to a topic, keyed by event name so one
// event type stays ordered within a partition.
type Kafka struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Notify(ctx context.Context, event string, payload interface{}) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("kafka notifier not initialized")
	}
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event),
		Value: body,
	})
}

func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
