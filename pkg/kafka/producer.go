package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"vibeslop/pkg/logging"
)

// Publisher is the slice of Producer that services depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Producer wraps a franz-go client for synchronous produces.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

func NewProducer(brokers []string, clientID string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.AllowAutoTopicCreation(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Client returns the underlying client for health checks.
func (p *Producer) Client() *kgo.Client {
	return p.client
}

// Publish produces a single record and waits for the broker ack. A 5s
// timeout applies when ctx has no earlier deadline.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, newRecord(topic, key, value, headers))
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PublishEvent marshals an Event and publishes it keyed by its subject.
func PublishEvent(ctx context.Context, pub Publisher, topic string, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	headers := map[string]string{
		"source":     event.Source,
		"event_type": event.Type,
	}
	return pub.Publish(ctx, topic, []byte(event.Subject), value, headers)
}

func newRecord(topic string, key []byte, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return record
}
