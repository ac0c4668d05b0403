package daily

import (
	"errors"
	"testing"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParticipantJoined(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"id":"evt-1","type":"participant.joined","event_ts":1700000000.5,
		"data":{"room":{"name":"niva-s1"},"participant":{"id":"p-1","user_name":"agent-s1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventParticipantJoined, ev.EventType)
	assert.Equal(t, "niva-s1", ev.CorrelationKey.RoomName)
	assert.Equal(t, "p-1", ev.ParticipantID)
	assert.Equal(t, "agent-s1", ev.ParticipantName)
	assert.Equal(t, "evt-1", ev.ProviderEventID)
	assert.Equal(t, int64(1700000000), ev.OccurredAt.Unix())
}

func TestParseRecordingAliases(t *testing.T) {
	for _, typ := range []string{"recording.ready", "recording.ready-to-download", "recording.upload-completed"} {
		ev, err := ParseWebhook([]byte(`{"type":"` + typ + `","data":{"recording":{"id":"rec-1","download_link":"https://dl","duration":12.5}}}`))
		require.NoError(t, err, typ)
		assert.Equal(t, domain.EventRecordingReady, ev.EventType)
		assert.Equal(t, "rec-1", ev.CorrelationKey.RecordingID)
		assert.Equal(t, "https://dl", ev.RecordingURL)
		assert.Equal(t, 12.5, ev.RecordingDuration.Seconds())
	}
}

func TestParseMalformed(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"participant.joined"}`,
		`{"type":"participant.joined","data":{"room":{"name":"r"}}}`,
		`{"type":"participant.left","data":{"participant":{"id":"p"}}}`,
		`{"type":"recording.ready","data":{"recording":{}}}`,
		`{"type":"room.created","data":{}}`,
	}
	for _, b := range bodies {
		_, err := ParseWebhook([]byte(b))
		assert.True(t, errors.Is(err, domain.ErrMalformedEvent), b)
	}
}

func TestParseUnknownTypePassesThrough(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"type":"dialout.connected","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventType("dialout.connected"), ev.EventType)
}
