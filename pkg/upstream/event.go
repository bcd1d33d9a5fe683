package upstream

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies one parsed upstream generation event.
type EventType string

const (
	// EventToken carries one text chunk belonging to the active stage.
	EventToken EventType = "token"
	// EventReference carries catalog reference ids and closes the active stage.
	EventReference EventType = "reference"
	// EventEnd terminates the stream.
	EventEnd EventType = "end"
	// EventError reports an upstream generation failure and terminates the
	// stream in place of EventEnd. Text carries the failure message.
	EventError EventType = "error"
)

// Event is the wire unit flowing from the generation service to the stage
// coordinator. Events are not stage-tagged; the consumer derives the active
// stage from how many stages completed so far.
type Event struct {
	Type         EventType `json:"type"`
	ConvID       string    `json:"conv_id"`
	Text         string    `json:"text,omitempty"`
	ReferenceIDs []string  `json:"reference_ids,omitempty"`
	CreatedAtMs  int64     `json:"created_at_ms"`
}

func NewTokenEvent(convID, text string) Event {
	return Event{Type: EventToken, ConvID: convID, Text: text, CreatedAtMs: time.Now().UnixMilli()}
}

func NewReferenceEvent(convID string, ids []string) Event {
	return Event{Type: EventReference, ConvID: convID, ReferenceIDs: ids, CreatedAtMs: time.Now().UnixMilli()}
}

func NewEndEvent(convID string) Event {
	return Event{Type: EventEnd, ConvID: convID, CreatedAtMs: time.Now().UnixMilli()}
}

func NewErrorEvent(convID, message string) Event {
	return Event{Type: EventError, ConvID: convID, Text: message, CreatedAtMs: time.Now().UnixMilli()}
}

// NewEventFromJSON decodes an event payload coming off the bus.
func NewEventFromJSON(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, errors.Wrap(err, "upstream: decode event")
	}
	switch ev.Type {
	case EventToken, EventReference, EventEnd, EventError:
	default:
		return Event{}, errors.Errorf("upstream: unknown event type %q", ev.Type)
	}
	return ev, nil
}

// TopicForConversation computes the bus topic carrying one conversation's events.
func TopicForConversation(convID string) string { return "chat:" + convID }

// StageConfig names one advisory stage requested from the generation service.
type StageConfig struct {
	ID      int    `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Persona string `json:"persona,omitempty" yaml:"persona,omitempty"`
}

// Request is one generation call: a user message plus the ordered stage plan.
type Request struct {
	ConvID  string
	Message string
	Stages  []StageConfig
}
