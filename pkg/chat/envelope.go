package chat

import (
	"encoding/json"
	"time"

	"github.com/stylehive/stylist/pkg/catalog"
)

// Transport event names. Within one session events are emitted in the order
// connect -> (content|complete)* -> final_complete, with error allowed to
// replace normal flow at any point. room precedes connect when the
// conversation was created by this request.
const (
	EventRoom          = "room"
	EventConnect       = "connect"
	EventContent       = "content"
	EventComplete      = "complete"
	EventFinalComplete = "final_complete"
	EventError         = "error"
)

// Envelope is the wire shape of every transport event.
type Envelope struct {
	Event     string `json:"event"`
	Status    int    `json:"status"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (e Envelope) MarshalBytes() ([]byte, error) { return json.Marshal(e) }

// RoomData announces a freshly created conversation.
type RoomData struct {
	ConvID string `json:"conv_id"`
}

// ConnectData acknowledges a live session.
type ConnectData struct {
	ConvID    string `json:"conv_id"`
	SessionID string `json:"session_id"`
}

// ContentData carries one token chunk tagged with the active stage.
type ContentData struct {
	Chunk     string `json:"chunk"`
	StageID   int    `json:"stage_id"`
	StageName string `json:"stage_name"`
}

// CompleteData carries one finished stage.
type CompleteData struct {
	Text       string                      `json:"text"`
	StageID    int                         `json:"stage_id"`
	StageName  string                      `json:"stage_name"`
	References []catalog.ResolvedReference `json:"references"`
}

// FinalCompleteData ends a session normally.
type FinalCompleteData struct {
	StageCount int `json:"stage_count"`
}

// ErrorData ends a session abnormally.
type ErrorData struct {
	Message string `json:"message"`
	StageID *int   `json:"stage_id,omitempty"`
}

func newEnvelope(event string, status int, message string, data any) Envelope {
	return Envelope{
		Event:     event,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func RoomEnvelope(convID string) Envelope {
	return newEnvelope(EventRoom, 200, "conversation created", RoomData{ConvID: convID})
}

func ConnectEnvelope(convID, sessionID string) Envelope {
	return newEnvelope(EventConnect, 200, "connected", ConnectData{ConvID: convID, SessionID: sessionID})
}

func ContentEnvelope(d ContentData) Envelope {
	return newEnvelope(EventContent, 200, "", d)
}

func CompleteEnvelope(d CompleteData) Envelope {
	if d.References == nil {
		d.References = []catalog.ResolvedReference{}
	}
	return newEnvelope(EventComplete, 200, "", d)
}

func FinalCompleteEnvelope(stageCount int) Envelope {
	return newEnvelope(EventFinalComplete, 200, "done", FinalCompleteData{StageCount: stageCount})
}

func ErrorEnvelope(message string, stageID *int) Envelope {
	return newEnvelope(EventError, 500, message, ErrorData{Message: message, StageID: stageID})
}
