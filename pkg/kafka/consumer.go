package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"vibeslop/pkg/logging"
)

// Message is a decoded record handed to a Handler.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. A non-nil error blocks the partition until
// restart so the message is redelivered.
type Handler func(ctx context.Context, msg Message) error

// Consumer polls a consumer group and routes records to per-topic handlers.
// Offsets are committed manually, only up to the last success per partition.
type Consumer struct {
	client   *kgo.Client
	logger   logging.Logger
	groupID  string
	handlers map[string]Handler
	mu       sync.RWMutex
}

func NewConsumer(brokers []string, groupID string, clientID string, logger logging.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:   client,
		logger:   logger,
		groupID:  groupID,
		handlers: make(map[string]Handler),
	}, nil
}

// AddHandler registers a handler for a topic and subscribes to it.
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	c.client.AddConsumeTopics(topic)
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

func (c *Consumer) Client() *kgo.Client {
	return c.client
}

// Start polls until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithField("group", c.groupID).Errorf("errors while polling: %v", errs)
			c.client.AllowRebalance()
			continue
		}

		records := make([]*kgo.Record, 0, fetches.NumRecords())
		iter := fetches.RecordIter()
		for !iter.Done() {
			records = append(records, iter.Next())
		}

		if commit := c.processRecords(ctx, records); len(commit) > 0 {
			if err := c.client.CommitRecords(ctx, commit...); err != nil {
				c.logger.WithError(err).Error("failed to commit records")
			}
		}
		c.client.AllowRebalance()
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	blocked := make(map[topicPartition]bool)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			// later offsets must not be committed past a failure
			continue
		}

		c.mu.RLock()
		handler, exists := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !exists {
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			lastSuccess[tp] = record
			continue
		}

		if err := handler(ctx, messageFromRecord(record)); err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to handle message - will retry on restart")
			blocked[tp] = true
			continue
		}

		lastSuccess[tp] = record
	}

	commit := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commit = append(commit, record)
	}
	return commit
}

func messageFromRecord(record *kgo.Record) Message {
	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   headers,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Timestamp: record.Timestamp,
	}
}
