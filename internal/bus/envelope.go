package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the only data content type the bus produces.
const ContentTypeJSON = "application/json"

// Envelope is the CloudEvents-style wrapper carried on every topic.
type Envelope struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            any       `json:"data"`
}

// NewEnvelope stamps a fresh unique id and the current UTC time.
func NewEnvelope(source, eventType string, data any) Envelope {
	return Envelope{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Source:          source,
		Type:            eventType,
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Data:            data,
	}
}

// MarshalJSON renders Time as RFC 3339 with nanoseconds.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	return json.Marshal(struct {
		alias
		Time string `json:"time"`
	}{alias: alias(e), Time: e.Time.UTC().Format(time.RFC3339Nano)})
}

// Decode extracts the typed payload of an envelope. Payloads published
// in-process are returned as is; payloads that crossed a serialization
// boundary (map[string]any, json.RawMessage) are re-decoded into T.
func Decode[T any](env Envelope) (T, error) {
	var zero T
	switch data := env.Data.(type) {
	case T:
		return data, nil
	case *T:
		if data == nil {
			return zero, fmt.Errorf("decode %s: nil payload", env.Type)
		}
		return *data, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return out, nil
	}

	raw, err := json.Marshal(env.Data)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return out, nil
}
