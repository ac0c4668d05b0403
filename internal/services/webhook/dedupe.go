package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/redis"
)

// Window remembers dedupe keys for a fixed period. The first Claim of a key wins.
type Window struct {
	store redis.RedisServiceInterface
	ttl   time.Duration
}

func NewWindow(store redis.RedisServiceInterface, ttl time.Duration) *Window {
	return &Window{store: store, ttl: ttl}
}

func (w *Window) key(dedupeKey string) string {
	return w.store.GenerateKey(redis.WEBHOOK_DEDUPE, dedupeKey)
}

// Claim records dedupeKey and reports whether this caller saw it first.
func (w *Window) Claim(ctx context.Context, dedupeKey, sessionID string) (bool, error) {
	return w.store.SetIfAbsent(ctx, w.key(dedupeKey), sessionID, w.ttl)
}

// Release forgets dedupeKey so a redelivery can be applied.
func (w *Window) Release(ctx context.Context, dedupeKey string) error {
	return w.store.DelValue(ctx, w.key(dedupeKey))
}

// DedupeKey derives the key from the event type and the entity it is about, so two
// deliveries of the same fact collide even when the provider assigns them new ids.
func DedupeKey(ev domain.WebhookEvent, body []byte) string {
	parts := []string{ev.Provider, string(ev.EventType)}
	switch ev.EventType {
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		participant := ev.ParticipantID
		if participant == "" {
			participant = ev.ParticipantName
		}
		parts = append(parts, ev.CorrelationKey.RoomName, ev.CorrelationKey.CallSID, participant)
	case domain.EventRecordingStarted, domain.EventRecordingReady, domain.EventRecordingError:
		parts = append(parts, ev.RecordingID)
	case domain.EventRoomCreated, domain.EventMeetingEnded:
		parts = append(parts, ev.CorrelationKey.RoomName)
	default:
		if ev.ProviderEventID != "" {
			parts = append(parts, ev.ProviderEventID)
		} else {
			sum := sha256.Sum256(body)
			parts = append(parts, hex.EncodeToString(sum[:]))
		}
	}
	return strings.Join(parts, "|")
}
