package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes reports as JSON to a topic, keyed by subject so one
// account or member stays on one partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(r.Key()),
		Value: payload,
	}); err != nil {
		slog.WarnContext(ctx, "kafka status publish failed", "err", err)
		return err
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
