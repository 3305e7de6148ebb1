package outbox

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Schema names the column layout of the outbox table.
type Schema string

const (
	// SchemaPayload rows carry an event name and a JSON snapshot of the
	// changed row.
	SchemaPayload Schema = "payload"
	// SchemaLabeled rows carry an app id, source table and label; consumers
	// re-read current state by entity id.
	SchemaLabeled Schema = "labeled"
)

// ParseSchema maps a configuration value to a Schema.
func ParseSchema(raw string) (Schema, error) {
	switch Schema(strings.ToLower(strings.TrimSpace(raw))) {
	case SchemaPayload, "":
		return SchemaPayload, nil
	case SchemaLabeled:
		return SchemaLabeled, nil
	}

	return "", fmt.Errorf("%w: %q", ErrSchemaInvalid, raw)
}

// Entry is one undelivered outbox row. Rows are never updated; the only
// mutation is the delete performed by a successful drain.
type Entry struct {
	ID        uuid.UUID
	CreatedAt time.Time
	EntityID  string

	// SchemaPayload routing.
	EventName string
	Payload   []byte

	// SchemaLabeled routing.
	AppID     string
	TableName string
	Label     string
}

// Event is what the bus receives for one entry. ID equals the outbox row id
// and is stable across redeliveries of the same row.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"-"`
}

// ToEvent maps the entry to its bus event under schema.
func (e Entry) ToEvent(schema Schema) (Event, error) {
	if e.ID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: missing id", ErrMalformedEntry)
	}

	switch schema {
	case SchemaPayload, "":
		return e.payloadEvent()
	case SchemaLabeled:
		return e.labeledEvent()
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrSchemaInvalid, schema)
	}
}

func (e Entry) payloadEvent() (Event, error) {
	if strings.TrimSpace(e.EventName) == "" {
		return Event{}, fmt.Errorf("%w: entry %s has no event name", ErrMalformedEntry, e.ID)
	}

	data := map[string]any{"entityId": e.EntityID}

	if trimmed := bytes.TrimSpace(e.Payload); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var snapshot map[string]any
		if err := json.Unmarshal(trimmed, &snapshot); err != nil {
			return Event{}, fmt.Errorf("%w: entry %s payload is not a JSON object: %w", ErrMalformedEntry, e.ID, err)
		}

		// payload keys win over entityId
		for k, v := range snapshot {
			data[k] = v
		}
	}

	return Event{
		ID:        e.ID.String(),
		Name:      e.EventName,
		Data:      data,
		CreatedAt: e.CreatedAt,
	}, nil
}

func (e Entry) labeledEvent() (Event, error) {
	if e.AppID == "" || e.TableName == "" || e.Label == "" {
		return Event{}, fmt.Errorf("%w: entry %s has an incomplete routing key", ErrMalformedEntry, e.ID)
	}

	return Event{
		ID:   e.ID.String(),
		Name: e.AppID + "/" + e.TableName + "." + e.Label,
		Data: map[string]any{
			"id":        e.EntityID,
			"tableName": e.TableName,
		},
		CreatedAt: e.CreatedAt,
	}, nil
}

// ToEvents maps a batch, failing on the first malformed entry.
func ToEvents(entries []Entry, schema Schema) ([]Event, error) {
	events := make([]Event, 0, len(entries))

	for _, entry := range entries {
		event, err := entry.ToEvent(schema)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}
