package tripwire

import (
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"
)

// Event is the normalized inbound unit the dispatcher consumes. The Feed
// collaborator is responsible for wire-format parsing; the core only sees
// this structure. After construction an Event must be treated as immutable —
// it is shared by reference across concurrent trigger evaluations.
type Event struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	Source        string         `json:"source,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
}

// NewEvent creates an event with fresh ids and a UTC timestamp.
func NewEvent(source string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Field resolves a dotted path ("order.total") into the payload.
// The second return value distinguishes a missing path from a null value.
func (e Event) Field(path string) (any, bool) {
	wrapped := gabs.Wrap(e.Payload)
	if !wrapped.ExistsP(path) {
		return nil, false
	}
	return wrapped.Path(path).Data(), true
}
