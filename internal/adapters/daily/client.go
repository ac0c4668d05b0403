package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const ProviderName = "daily"

// Client talks to the Daily REST API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client paced at requestsPerSec. A non-positive rate disables pacing.
func NewClient(baseURL, apiKey string, requestsPerSec float64) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
		burst = int(requestsPerSec) + 1
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (c *Client) Name() string {
	return ProviderName
}

type sipProperties struct {
	DisplayName  string `json:"display_name,omitempty"`
	Video        bool   `json:"video"`
	SIPMode      string `json:"sip_mode"`
	NumEndpoints int    `json:"num_endpoints"`
}

type roomProperties struct {
	Exp             int64          `json:"exp,omitempty"`
	EjectAtRoomExp  bool           `json:"eject_at_room_exp"`
	EnableChat      bool           `json:"enable_chat"`
	StartVideoOff   bool           `json:"start_video_off"`
	EnableRecording string         `json:"enable_recording,omitempty"`
	SIP             *sipProperties `json:"sip,omitempty"`
}

type createRoomRequest struct {
	Name       string         `json:"name"`
	Privacy    string         `json:"privacy"`
	Properties roomProperties `json:"properties"`
}

type roomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Config    struct {
		SIPURI *struct {
			Endpoint string `json:"endpoint"`
		} `json:"sip_uri"`
	} `json:"config"`
}

type tokenRequest struct {
	Properties struct {
		RoomName string `json:"room_name"`
		IsOwner  bool   `json:"is_owner"`
		UserName string `json:"user_name,omitempty"`
		UserID   string `json:"user_id,omitempty"`
		Exp      int64  `json:"exp,omitempty"`
		// StartCloudRecording starts the room recording when this token joins.
		StartCloudRecording bool `json:"start_cloud_recording,omitempty"`
	} `json:"properties"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type recordingResponse struct {
	ID       string `json:"id"`
	RoomName string `json:"room_name"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
	S3Key    string `json:"s3key"`
}

type accessLinkResponse struct {
	DownloadLink string `json:"download_link"`
	Expires      int64  `json:"expires"`
}

type errorResponse struct {
	Error string `json:"error"`
	Info  string `json:"info"`
}

// CreateRoom creates a private room with a single SIP dial-in endpoint.
func (c *Client) CreateRoom(ctx context.Context, cfg provider.RoomConfig) (provider.RoomHandle, error) {
	req := createRoomRequest{
		Name:    cfg.Name,
		Privacy: "private",
		Properties: roomProperties{
			EjectAtRoomExp: true,
			StartVideoOff:  true,
		},
	}
	if !cfg.ExpiresAt.IsZero() {
		req.Properties.Exp = cfg.ExpiresAt.Unix()
	}
	if cfg.EnableRecording {
		req.Properties.EnableRecording = "cloud"
	}
	if cfg.EnableSIP {
		req.Properties.SIP = &sipProperties{
			DisplayName:  cfg.SIPDisplayName,
			Video:        false,
			SIPMode:      "dial-in",
			NumEndpoints: 1,
		}
	}

	var resp roomResponse
	if err := c.do(ctx, "create_room", http.MethodPost, "/rooms", req, &resp); err != nil {
		return provider.RoomHandle{}, err
	}
	if resp.Name == "" || resp.URL == "" {
		return provider.RoomHandle{}, domain.NewProviderError("create_room", http.StatusOK, errors.New("room response missing name or url"))
	}

	logger.Base().Info("Daily room created", zap.String("room", resp.Name), zap.String("room_id", resp.ID))
	return provider.RoomHandle{
		ID:        resp.ID,
		Name:      resp.Name,
		URL:       resp.URL,
		CreatedAt: resp.CreatedAt,
		Recording: cfg.EnableRecording,
	}, nil
}

// CreateSIPEndpoint reads the dial-in URI Daily attached to the room. A room created
// without SIP has none, which is a terminal error.
func (c *Client) CreateSIPEndpoint(ctx context.Context, room provider.RoomHandle) (provider.SipHandle, error) {
	var resp roomResponse
	if err := c.do(ctx, "create_sip_endpoint", http.MethodGet, "/rooms/"+url.PathEscape(room.Name), nil, &resp); err != nil {
		return provider.SipHandle{}, err
	}
	if resp.Config.SIPURI == nil || resp.Config.SIPURI.Endpoint == "" {
		return provider.SipHandle{}, domain.NewProviderError("create_sip_endpoint", http.StatusOK,
			fmt.Errorf("room %s has no sip endpoint", room.Name))
	}
	return provider.SipHandle{Endpoint: resp.Config.SIPURI.Endpoint}, nil
}

func (c *Client) CreateToken(ctx context.Context, req provider.TokenRequest) (string, error) {
	var body tokenRequest
	body.Properties.RoomName = req.RoomName
	body.Properties.IsOwner = req.Owner
	body.Properties.UserName = req.Identity
	body.Properties.UserID = req.Identity
	body.Properties.StartCloudRecording = req.StartRecording
	if !req.ExpiresAt.IsZero() {
		body.Properties.Exp = req.ExpiresAt.Unix()
	}

	var resp tokenResponse
	if err := c.do(ctx, "create_token", http.MethodPost, "/meeting-tokens", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", domain.NewProviderError("create_token", http.StatusOK, errors.New("empty token"))
	}
	return resp.Token, nil
}

// FetchRecording returns the recording and a fresh download link. Recordings that are
// still processing come back as a transient ProviderError.
func (c *Client) FetchRecording(ctx context.Context, recordingID string) (provider.RecordingRef, error) {
	if recordingID == "" {
		return provider.RecordingRef{}, domain.NewProviderError("fetch_recording", http.StatusBadRequest, errors.New("recording id is required"))
	}

	path := "/recordings/" + url.PathEscape(recordingID)
	var rec recordingResponse
	if err := c.do(ctx, "fetch_recording", http.MethodGet, path, nil, &rec); err != nil {
		return provider.RecordingRef{}, err
	}
	if rec.Status != "finished" {
		return provider.RecordingRef{}, &domain.ProviderError{
			Op:        "fetch_recording",
			Transient: true,
			Err:       fmt.Errorf("recording %s is %s", recordingID, rec.Status),
		}
	}

	var link accessLinkResponse
	if err := c.do(ctx, "fetch_recording", http.MethodGet, path+"/access-link", nil, &link); err != nil {
		return provider.RecordingRef{}, err
	}

	return provider.RecordingRef{
		ID:          rec.ID,
		RoomName:    rec.RoomName,
		Status:      rec.Status,
		DownloadURL: link.DownloadLink,
		Location:    rec.S3Key,
		Duration:    time.Duration(rec.Duration) * time.Second,
	}, nil
}

// DeleteRoom removes the room. A room that is already gone counts as deleted.
func (c *Client) DeleteRoom(ctx context.Context, roomName string) error {
	err := c.do(ctx, "delete_room", http.MethodDelete, "/rooms/"+url.PathEscape(roomName), nil, nil)
	if pe, ok := domain.AsProviderError(err); ok && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.NewProviderError(op, 0, fmt.Errorf("rate limiter: %w", err))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.NewProviderError(op, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewProviderError(op, 0, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
			if apiErr.Info != "" {
				msg += ": " + apiErr.Info
			}
		}
		logger.Base().Warn("Daily API error", zap.String("op", op), zap.Int("status_code", resp.StatusCode), zap.String("error", msg))
		return domain.NewProviderError(op, resp.StatusCode, errors.New(msg))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.NewProviderError(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
