package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafka keys messages by user so a user's threats stay ordered within a
// partition.
func NewKafka(cfg config.KafkaNotifyConfig) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Notify(ctx context.Context, t model.Threat) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("encode threat: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(t.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "threat-type", Value: []byte(t.ThreatType)},
			{Key: "severity", Value: []byte(t.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write threat %s: %w", t.ID, err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
