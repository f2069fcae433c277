package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"attack-feed/internal/model"
)

// MessageProducer is the write side of client.KafkaProducer.
type MessageProducer interface {
	ProduceMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink mirrors each delivered event to a topic, keyed by event id.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []model.AttackEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: s.topic,
			Key:   []byte(ev.ID),
			Value: value,
			Time:  ev.Time(),
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	if err := s.producer.ProduceMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d events to %s: %w", len(msgs), s.topic, err)
	}
	return nil
}

// WriteStats publishes the snapshot under a fixed key so compacted topics keep the latest.
func (s *KafkaSink) WriteStats(ctx context.Context, stats model.TodayStats) error {
	value, err := json.Marshal(model.Envelope{Type: model.EventStatsToday, Payload: stats})
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	return s.producer.ProduceMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(model.EventStatsToday),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(model.EventStatsToday)},
		},
	})
}
