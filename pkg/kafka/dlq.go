package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DLQPayload captures enough context to replay or inspect a failed message.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
}

// DLQTopic names the dead-letter topic for topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

type poisonError struct{ err error }

func (p poisonError) Error() string { return p.err.Error() }
func (p poisonError) Unwrap() error { return p.err }

// Poison marks err as a message that will never succeed, such as a payload
// that does not decode.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return poisonError{err: err}
}

func IsPoison(err error) bool {
	var p poisonError
	return errors.As(err, &p)
}

func EncodeDLQMessage(msg Message, err error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
	}
	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}
	if err != nil {
		payload.Error = err.Error()
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", marshalErr)
	}
	return b, nil
}

// WithDeadLetter diverts poison messages to the topic's DLQ so they do not
// block their partition. Other errors pass through unchanged.
func WithDeadLetter(pub Publisher, consumer string, next Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		err := next(ctx, msg)
		if err == nil || !IsPoison(err) {
			return err
		}
		body, encErr := EncodeDLQMessage(msg, err, consumer)
		if encErr != nil {
			return encErr
		}
		if pubErr := pub.Publish(ctx, DLQTopic(msg.Topic), msg.Key, body, map[string]string{"consumer": consumer}); pubErr != nil {
			return fmt.Errorf("dead-letter %s@%d: %w", msg.Topic, msg.Offset, pubErr)
		}
		return nil
	}
}
