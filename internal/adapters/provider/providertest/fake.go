// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/domain"
)

// Fake records every call. Zero value is ready to use and always succeeds.
type Fake struct {
	mu sync.Mutex

	// CreateRoomDelay blocks CreateRoom until it elapses or the context ends.
	CreateRoomDelay time.Duration
	CreateRoomErr   error
	SIPErr          error
	// FetchFailures makes the next n FetchRecording calls fail with a transient error.
	FetchFailures int
	FetchErr      error
	Recording     bool

	rooms   map[string]bool
	deleted []string
	fetches int
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) CreateRoom(ctx context.Context, cfg provider.RoomConfig) (provider.RoomHandle, error) {
	f.mu.Lock()
	delay, err := f.CreateRoomDelay, f.CreateRoomErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.RoomHandle{}, domain.NewProviderError("create_room", 0, ctx.Err())
		}
	}
	if err != nil {
		return provider.RoomHandle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms == nil {
		f.rooms = make(map[string]bool)
	}
	f.rooms[cfg.Name] = true
	return provider.RoomHandle{
		ID:        "id-" + cfg.Name,
		Name:      cfg.Name,
		URL:       "https://rooms.test/" + cfg.Name,
		CreatedAt: time.Now(),
		Recording: f.Recording && cfg.EnableRecording,
	}, nil
}

func (f *Fake) CreateToken(ctx context.Context, req provider.TokenRequest) (string, error) {
	return "token-" + req.Identity, nil
}

func (f *Fake) CreateSIPEndpoint(ctx context.Context, room provider.RoomHandle) (provider.SipHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SIPErr != nil {
		return provider.SipHandle{}, f.SIPErr
	}
	return provider.SipHandle{Endpoint: fmt.Sprintf("sip:%s@sip.test", room.Name)}, nil
}

func (f *Fake) FetchRecording(ctx context.Context, recordingID string) (provider.RecordingRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.FetchFailures > 0 {
		f.FetchFailures--
		return provider.RecordingRef{}, domain.NewProviderError("fetch_recording", http.StatusServiceUnavailable, fmt.Errorf("recording %s unavailable", recordingID))
	}
	if f.FetchErr != nil {
		return provider.RecordingRef{}, f.FetchErr
	}
	return provider.RecordingRef{
		ID:          recordingID,
		Status:      "finished",
		DownloadURL: "https://recordings.test/" + recordingID,
		Duration:    90 * time.Second,
	}, nil
}

func (f *Fake) DeleteRoom(ctx context.Context, roomName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, roomName)
	f.deleted = append(f.deleted, roomName)
	return nil
}

func (f *Fake) SetFetchFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchFailures = n
}

func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Rooms is the number of rooms created and not deleted.
func (f *Fake) Rooms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
