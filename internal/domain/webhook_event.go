package domain

import "time"

// EventType is the normalized provider notification type.
type EventType string

const (
	EventRoomCreated       EventType = "room.created"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventRecordingStarted  EventType = "recording.started"
	EventRecordingReady    EventType = "recording.ready"
	EventRecordingError    EventType = "recording.error"
	EventMeetingEnded      EventType = "meeting.ended"
)

// CorrelationKey carries the payload fields that can identify a session.
type CorrelationKey struct {
	RoomName    string
	CallSID     string
	RecordingID string
}

func (k CorrelationKey) IsZero() bool {
	return k.RoomName == "" && k.CallSID == "" && k.RecordingID == ""
}

// WebhookEvent is a validated provider notification. It is never stored.
type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	EventType       EventType
	CorrelationKey  CorrelationKey
	DedupeKey       string
	ReceivedAt      time.Time
	OccurredAt      time.Time

	ParticipantID   string
	ParticipantName string

	RecordingID       string
	RecordingURL      string
	RecordingDuration time.Duration
	RecordingError    string
}
