package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/goccy/go-json"
)

const (
	// HeaderEventID carries the outbox row id; consumers dedupe on it.
	HeaderEventID = "event-id"
	// HeaderEventName carries the event name.
	HeaderEventName = "event-name"
	// ContentType of every encoded message.
	ContentType = "application/json"
)

// ErrEmptyEventName is returned when an event has no name to route on.
var ErrEmptyEventName = errors.New("event name is empty")

// Message is the wire form of one event.
type Message struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
	// TS is the row creation time in unix milliseconds, omitted when unknown.
	TS int64 `json:"ts,omitempty"`
}

// NewMessage converts an event to its wire form.
func NewMessage(event outbox.Event) (Message, error) {
	if event.Name == "" {
		return Message{}, fmt.Errorf("%w: id %s", ErrEmptyEventName, event.ID)
	}

	msg := Message{ID: event.ID, Name: event.Name, Data: event.Data}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}

	if !event.CreatedAt.IsZero() {
		msg.TS = event.CreatedAt.UnixMilli()
	}

	return msg, nil
}

// Encode returns the JSON body of one event.
func Encode(event outbox.Event) ([]byte, error) {
	msg, err := NewMessage(event)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	return body, nil
}

// EncodeBatch returns a JSON array holding every event, in order.
func EncodeBatch(events []outbox.Event) ([]byte, error) {
	msgs := make([]Message, 0, len(events))

	for _, event := range events {
		msg, err := NewMessage(event)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	return body, nil
}

// Headers returns the transport headers for event: its id and name plus
// the W3C trace context of ctx.
func Headers(ctx context.Context, event outbox.Event) map[string]string {
	headers := opentelemetry.InjectQueueTraceContext(ctx)
	if headers == nil {
		headers = map[string]string{}
	}

	headers[HeaderEventID] = event.ID
	headers[HeaderEventName] = event.Name

	return headers
}
