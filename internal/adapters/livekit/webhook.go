package livekit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"google.golang.org/protobuf/encoding/protojson"
)

var unmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

var eventTypes = map[string]domain.EventType{
	"room_started":       domain.EventRoomCreated,
	"room_finished":      domain.EventMeetingEnded,
	"participant_joined": domain.EventParticipantJoined,
	"participant_left":   domain.EventParticipantLeft,
	"egress_started":     domain.EventRecordingStarted,
	"egress_ended":       domain.EventRecordingReady,
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// ParseWebhook normalizes a LiveKit webhook body. egress_ended that did not complete
// becomes recording.error.
func ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	var lkEvent livekit.WebhookEvent
	if err := unmarshalOptions.Unmarshal(body, &lkEvent); err != nil {
		return domain.WebhookEvent{}, malformed("invalid json: %v", err)
	}
	if lkEvent.Event == "" {
		return domain.WebhookEvent{}, malformed("missing event")
	}

	ev := domain.WebhookEvent{
		Provider:        ProviderName,
		ProviderEventID: lkEvent.Id,
		EventType:       domain.EventType(lkEvent.Event),
		ReceivedAt:      time.Now(),
	}
	if lkEvent.CreatedAt > 0 {
		ev.OccurredAt = time.Unix(lkEvent.CreatedAt, 0)
	}

	mapped, known := eventTypes[lkEvent.Event]
	if !known {
		return ev, nil
	}
	ev.EventType = mapped
	if lkEvent.Room != nil {
		ev.CorrelationKey.RoomName = lkEvent.Room.Name
	}

	switch mapped {
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		if lkEvent.Participant == nil || lkEvent.Participant.Identity == "" {
			return domain.WebhookEvent{}, malformed("%s without participant", lkEvent.Event)
		}
		if ev.CorrelationKey.RoomName == "" {
			return domain.WebhookEvent{}, malformed("%s without room", lkEvent.Event)
		}
		ev.ParticipantID = lkEvent.Participant.Sid
		ev.ParticipantName = lkEvent.Participant.Identity
	case domain.EventRecordingStarted, domain.EventRecordingReady:
		info := lkEvent.EgressInfo
		if info == nil || info.EgressId == "" {
			return domain.WebhookEvent{}, malformed("%s without egress", lkEvent.Event)
		}
		ev.RecordingID = info.EgressId
		ev.CorrelationKey.RecordingID = info.EgressId
		if ev.CorrelationKey.RoomName == "" {
			ev.CorrelationKey.RoomName = info.RoomName
		}
		if mapped == domain.EventRecordingReady {
			if info.Status != livekit.EgressStatus_EGRESS_COMPLETE {
				ev.EventType = domain.EventRecordingError
				ev.RecordingError = fmt.Sprintf("%s: %s", info.Status, info.Error)
			} else if len(info.FileResults) > 0 {
				ev.RecordingURL = info.FileResults[0].Location
				ev.RecordingDuration = time.Duration(info.FileResults[0].Duration)
			}
		}
	case domain.EventRoomCreated, domain.EventMeetingEnded:
		if ev.CorrelationKey.RoomName == "" {
			return domain.WebhookEvent{}, malformed("%s without room", lkEvent.Event)
		}
	}
	return ev, nil
}

// Verifier checks the signed Authorization header LiveKit attaches to webhooks.
type Verifier struct {
	keys auth.KeyProvider
}

func NewVerifier(apiKey, apiSecret string) *Verifier {
	return &Verifier{keys: auth.NewSimpleKeyProvider(apiKey, apiSecret)}
}

// Receive validates r and returns its body.
func (v *Verifier) Receive(r *http.Request) ([]byte, error) {
	body, err := webhook.Receive(r, v.keys)
	if err != nil {
		return nil, fmt.Errorf("invalid livekit webhook signature: %w", err)
	}
	return body, nil
}
