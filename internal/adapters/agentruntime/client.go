// Package agentruntime is the HTTP client for the service that runs the voice agents.
package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

const tokenIssuer = "niva-voice-service"

// StartRequest is everything the runtime needs to join a room as the agent.
type StartRequest struct {
	SessionID     string `json:"session_id"`
	RoomURL       string `json:"room_url"`
	RoomName      string `json:"room_name"`
	Token         string `json:"token"`
	SIPEndpoint   string `json:"sip_endpoint,omitempty"`
	AgentIdentity string `json:"agent_identity"`
	CourseID      string `json:"course_id"`
	AgentID       string `json:"agent_id"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	Direction     string `json:"direction"`
}

type ActiveCall struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

// Error is a non-2xx answer from the runtime.
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent runtime %s returned %d: %s", e.Op, e.StatusCode, e.Body)
}

type Client struct {
	BaseURL    string
	secret     []byte
	HTTPClient *http.Client
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		secret:     []byte(secret),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// serviceToken mints a short-lived HS256 token scoped to one session.
func (c *Client) serviceToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Client) Start(ctx context.Context, req StartRequest) error {
	return c.do(ctx, "start", http.MethodPost, "/voice-call/", req.SessionID, req, nil)
}

// Stop asks the runtime to leave the session. A session the runtime no longer knows
// is already stopped.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	err := c.do(ctx, "stop", http.MethodPost, "/stop-call/", sessionID, map[string]string{"session_id": sessionID}, nil)
	if rtErr, ok := err.(*Error); ok && rtErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) ActiveCalls(ctx context.Context) ([]ActiveCall, error) {
	var resp struct {
		ActiveCalls []ActiveCall `json:"active_calls"`
	}
	if err := c.do(ctx, "active_calls", http.MethodGet, "/active-calls/", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ActiveCalls, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health/", "", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, subject string, body, out interface{}) error {
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(c.secret) > 0 {
		token, err := c.serviceToken(subject)
		if err != nil {
			return fmt.Errorf("failed to sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent runtime %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Base().Warn("Agent runtime error",
			zap.String("op", op),
			zap.String("session_id", subject),
			zap.Int("status_code", resp.StatusCode))
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
