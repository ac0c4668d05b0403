// Package provider defines the room/SIP/recording provider contract.
//
// Every method is a single remote operation bounded by the caller's context. Adapters
// never retry: room creation is not idempotent, and callers know which operations are.
package provider

import (
	"context"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
)

type RoomConfig struct {
	Name            string
	ExpiresAt       time.Time
	EnableSIP       bool
	SIPDisplayName  string
	EnableRecording bool
}

type RoomHandle struct {
	ID        string
	Name      string
	URL       string
	CreatedAt time.Time
	// Recording is true when the provider will produce a recording for the room.
	// RecordingID is set when the provider already knows its id.
	Recording   bool
	RecordingID string
}

type SipHandle struct {
	Endpoint string
}

type TokenRequest struct {
	RoomName  string
	Identity  string
	Owner     bool
	ExpiresAt time.Time
	// StartRecording asks providers that record per participant token to start
	// recording when this participant joins.
	StartRecording bool
}

// RecordingRef points at a finished recording. Location is the provider storage URI
// when it differs from the downloadable URL (for example gs:// paths).
type RecordingRef struct {
	ID          string
	RoomName    string
	Status      string
	DownloadURL string
	Location    string
	Duration    time.Duration
}

type Provider interface {
	Name() string
	CreateRoom(ctx context.Context, cfg RoomConfig) (RoomHandle, error)
	CreateToken(ctx context.Context, req TokenRequest) (string, error)
	CreateSIPEndpoint(ctx context.Context, room RoomHandle) (SipHandle, error)
	FetchRecording(ctx context.Context, recordingID string) (RecordingRef, error)
	DeleteRoom(ctx context.Context, roomName string) error
}

// WebhookParser turns a raw provider payload into a normalized event. It returns an
// error wrapping domain.ErrMalformedEvent when the payload is unusable.
type WebhookParser func(body []byte) (domain.WebhookEvent, error)
