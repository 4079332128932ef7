package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alerts as JSON keyed by lead id, so alerts for one
// lead stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

var _ app.Notifier = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka alert topic is required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// Notify publishes one alert.
func (p *KafkaPublisher) Notify(ctx context.Context, alert domain.Alert) error {
	data, err := json.Marshal(NewPayload(alert))
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	key := alert.LeadID
	if key == "" {
		key = alert.ActivityID
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
			{Key: "org_id", Value: []byte(alert.OrgID)},
		},
	}); err != nil {
		return fmt.Errorf("publish alert to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
