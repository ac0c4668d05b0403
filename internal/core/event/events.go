package event

import (
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
)

// EventType names an in-process call lifecycle notification.
type EventType string

const (
	CallRegistered   EventType = "call.registered"
	CallStateChanged EventType = "call.state_changed"
	CallRemoved      EventType = "call.removed"
	RecordingReady   EventType = "call.recording_ready"

	HandlerPanic EventType = "handler.panic"
)

// CallEvent is delivered to subscribers on their own goroutine.
type CallEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"-"`
}

// StateChange is the payload of CallStateChanged. Session is a snapshot taken
// right after the transition.
type StateChange struct {
	From    domain.CallState   `json:"from"`
	To      domain.CallState   `json:"to"`
	Trigger string             `json:"trigger"`
	Reason  string             `json:"reason,omitempty"`
	Session domain.CallSession `json:"session"`
}

// RecordingInfo is the payload of RecordingReady.
type RecordingInfo struct {
	RecordingID string `json:"recording_id"`
}

func NewCallEvent(eventType EventType, sessionID string) *CallEvent {
	return &CallEvent{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

func (e *CallEvent) WithError(err error) *CallEvent {
	e.Error = err
	return e
}

func (e *CallEvent) IsError() bool {
	return e.Error != nil
}

// StateChange returns the payload when the event carries one.
func (e *CallEvent) StateChange() (StateChange, bool) {
	switch d := e.Data.(type) {
	case StateChange:
		return d, true
	case *StateChange:
		return *d, d != nil
	}
	return StateChange{}, false
}
