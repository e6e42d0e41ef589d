package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "shiftgate/pkg/platform/audit"
)

// Producer is the slice of *kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes events as JSON records keyed by a fresh event id, so
// downstream consumers can de-duplicate redeliveries.
type Kafka struct {
	producer Producer
	topic    string
}

func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// NewKafkaClient dials the brokers with acks=all production.
func NewKafkaClient(brokers []string, clientID string, extra ...kgo.Opt) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, extra...)
	return kgo.NewClient(opts...)
}

func (s *Kafka) Write(ctx context.Context, events []audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal security event: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(uuid.NewString()),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "severity", Value: []byte(e.Severity)},
				{Key: "action", Value: []byte(e.Action)},
			},
		})
	}
	if err := s.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce security events: %w", err)
	}
	return nil
}
