package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the JSON envelope for every record this module produces or
// consumes. Data carries the type-specific body.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an envelope around data with a fresh ID.
func NewEvent(eventType, source, subject string, data any, now time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Timestamp: now.UTC(),
		Data:      raw,
	}, nil
}

// DecodeEvent parses an envelope and unmarshals its data into out.
func DecodeEvent(value []byte, out any) (Event, error) {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if len(event.Data) == 0 {
		return event, fmt.Errorf("event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data, out); err != nil {
		return event, fmt.Errorf("decode %s data: %w", event.Type, err)
	}
	return event, nil
}
