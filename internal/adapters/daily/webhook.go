package daily

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
)

type webhookRoom struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type webhookParticipant struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type webhookRecording struct {
	ID           string  `json:"id"`
	DownloadLink string  `json:"download_link"`
	Duration     float64 `json:"duration"`
	Error        string  `json:"error"`
}

type webhookPayload struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	EventTS float64 `json:"event_ts"`
	Data    *struct {
		Room        *webhookRoom        `json:"room"`
		Participant *webhookParticipant `json:"participant"`
		Recording   *webhookRecording   `json:"recording"`
		CallSID     string              `json:"call_sid"`
	} `json:"data"`
}

var eventTypes = map[string]domain.EventType{
	"room.created":                domain.EventRoomCreated,
	"participant.joined":          domain.EventParticipantJoined,
	"participant.left":            domain.EventParticipantLeft,
	"recording.started":           domain.EventRecordingStarted,
	"recording.ready":             domain.EventRecordingReady,
	"recording.ready-to-download": domain.EventRecordingReady,
	"recording.upload-completed":  domain.EventRecordingReady,
	"recording.error":             domain.EventRecordingError,
	"meeting.ended":               domain.EventMeetingEnded,
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// ParseWebhook validates a Daily webhook body. Unknown event types are returned with
// their raw type so the caller can ignore them; missing fields required by a known
// type make the payload malformed.
func ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.WebhookEvent{}, malformed("invalid json: %v", err)
	}
	if strings.TrimSpace(p.Type) == "" {
		return domain.WebhookEvent{}, malformed("missing type")
	}

	ev := domain.WebhookEvent{
		Provider:        ProviderName,
		ProviderEventID: p.ID,
		EventType:       domain.EventType(p.Type),
		ReceivedAt:      time.Now(),
	}
	if p.EventTS > 0 {
		sec, frac := math.Modf(p.EventTS)
		ev.OccurredAt = time.Unix(int64(sec), int64(frac*1e9))
	}

	mapped, known := eventTypes[p.Type]
	if !known {
		return ev, nil
	}
	ev.EventType = mapped

	if p.Data == nil {
		return domain.WebhookEvent{}, malformed("%s without data", p.Type)
	}
	if p.Data.Room != nil {
		ev.CorrelationKey.RoomName = p.Data.Room.Name
	}
	ev.CorrelationKey.CallSID = p.Data.CallSID

	switch mapped {
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		if p.Data.Participant == nil {
			return domain.WebhookEvent{}, malformed("%s without participant", p.Type)
		}
		ev.ParticipantID = firstNonEmpty(p.Data.Participant.ID, p.Data.Participant.UserID)
		ev.ParticipantName = firstNonEmpty(p.Data.Participant.UserName, p.Data.Participant.UserID)
		if ev.ParticipantID == "" && ev.ParticipantName == "" {
			return domain.WebhookEvent{}, malformed("%s participant has no identity", p.Type)
		}
		if ev.CorrelationKey.RoomName == "" && ev.CorrelationKey.CallSID == "" {
			return domain.WebhookEvent{}, malformed("%s without room", p.Type)
		}
	case domain.EventRecordingStarted, domain.EventRecordingReady, domain.EventRecordingError:
		if p.Data.Recording == nil || p.Data.Recording.ID == "" {
			return domain.WebhookEvent{}, malformed("%s without recording id", p.Type)
		}
		ev.RecordingID = p.Data.Recording.ID
		ev.CorrelationKey.RecordingID = p.Data.Recording.ID
		ev.RecordingURL = p.Data.Recording.DownloadLink
		ev.RecordingDuration = time.Duration(p.Data.Recording.Duration * float64(time.Second))
		ev.RecordingError = p.Data.Recording.Error
	case domain.EventRoomCreated, domain.EventMeetingEnded:
		if ev.CorrelationKey.RoomName == "" {
			return domain.WebhookEvent{}, malformed("%s without room", p.Type)
		}
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
