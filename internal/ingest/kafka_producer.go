package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/live-tracking/internal/models"
)

// KafkaProducer republishes accepted location samples for downstream
// consumers. Writes are asynchronous so the hub never waits on a broker.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil && logger != nil {
				logger.Warn("kafka publish failed", "topic", topic, "messages", len(messages), "error", err)
			}
		},
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation keys messages by vehicle so one vehicle's samples stay
// ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	msg, err := locationMessage(s)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func locationMessage(s models.LocationSample) (kafka.Message, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(s.VehicleID), Value: b}, nil
}
