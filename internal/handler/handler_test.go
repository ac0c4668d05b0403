package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/services/call"
	"github.com/niva-ai/niva-voice-service/internal/services/postcall"
	"github.com/niva-ai/niva-voice-service/internal/services/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCalls struct {
	startErr error
	sessions map[string]domain.CallSession
	stopped  []string
}

func (s *stubCalls) StartCall(ctx context.Context, req call.StartCallRequest) (*call.StartCallResponse, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &call.StartCallResponse{SessionID: "s1", RoomURL: "https://rooms.test/niva-s1", RoomToken: "tok", SIPEndpoint: "sip:niva-s1@sip.test"}, nil
}

func (s *stubCalls) StopCall(ctx context.Context, sessionID string) (*call.StopCallResponse, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.NewNotFoundError("session", sessionID)
	}
	s.stopped = append(s.stopped, sessionID)
	return &call.StopCallResponse{SessionID: sessionID, Stopped: true, State: domain.StateEnded}, nil
}

func (s *stubCalls) GetStatus(sessionID string) (domain.CallSession, error) {
	cs, ok := s.sessions[sessionID]
	if !ok {
		return domain.CallSession{}, domain.NewNotFoundError("session", sessionID)
	}
	return cs, nil
}

func (s *stubCalls) ListActive() []call.CallSummary {
	out := make([]call.CallSummary, 0, len(s.sessions))
	for _, cs := range s.sessions {
		out = append(out, call.CallSummary{SessionID: cs.SessionID, State: cs.State})
	}
	return out
}

type stubJobs struct {
	retried []string
}

func (s *stubJobs) Report(ctx context.Context) (postcall.Report, error) {
	return postcall.Report{
		Counts:    map[domain.JobStatus]int{domain.JobFailedTerminal: 1},
		Exhausted: []postcall.ExhaustedJob{{SessionID: "s9", Attempts: 5, LastError: "provider down"}},
	}, nil
}

func (s *stubJobs) Retry(ctx context.Context, sessionID string) error {
	if sessionID != "s9" {
		return domain.NewNotFoundError("post-call job", sessionID)
	}
	s.retried = append(s.retried, sessionID)
	return nil
}

type stubProcessor struct {
	calls int
}

func (s *stubProcessor) Process(ctx context.Context, providerName string, body []byte) (webhook.Result, error) {
	s.calls++
	if !json.Valid(body) {
		return webhook.Result{}, fmt.Errorf("%w: bad json", domain.ErrMalformedEvent)
	}
	return webhook.Result{Outcome: webhook.Unmatched, EventType: domain.EventParticipantJoined}, nil
}

type fixture struct {
	calls  *stubCalls
	jobs   *stubJobs
	proc   *stubProcessor
	router *mux.Router
}

func newFixture(t *testing.T, secret string, rateLimit float64) *fixture {
	t.Helper()
	f := &fixture{
		calls: &stubCalls{sessions: map[string]domain.CallSession{
			"s1": {SessionID: "s1", State: domain.StateActive, RoomToken: "secret-token"},
		}},
		jobs: &stubJobs{},
		proc: &stubProcessor{},
	}
	webhooks := NewWebhookHandler(f.proc, rateLimit, 1)
	webhooks.AddProvider("daily", nil)
	health := NewHealthHandler(func() int { return 1 })
	health.AddCheck("database", func(ctx context.Context) error { return nil })

	f.router = mux.NewRouter()
	NewHandlerManager(Options{
		Calls:       f.calls,
		Jobs:        f.jobs,
		Webhooks:    webhooks,
		Health:      health,
		JWTSecret:   secret,
		EnableCORS:  true,
		CORSOrigins: []string{"*"},
	}).SetupAllRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStartCallReturnsArtifacts(t *testing.T) {
	f := newFixture(t, "", 0)

	rec := f.do(http.MethodPost, "/calls/start", `{"course_id":"C1","agent_id":"A1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp call.StartCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "sip:niva-s1@sip.test", resp.SIPEndpoint)
}

func TestStartCallErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.NewValidationError("course_id", "is required"), http.StatusBadRequest},
		{"not found", domain.NewNotFoundError("course", "C9"), http.StatusNotFound},
		{"provider", domain.NewProviderError("create_room", 503, errors.New("down")), http.StatusBadGateway},
		{"provider timeout", domain.NewProviderError("create_room", 0, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"orchestration", &domain.OrchestrationError{SessionID: "s2", Stage: "agent_start", Err: errors.New("boom")}, http.StatusBadGateway},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", 0)
			f.calls.startErr = tt.err
			rec := f.do(http.MethodPost, "/calls/start", `{"course_id":"C1"}`, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	f := newFixture(t, "", 0)
	f.calls.startErr = &domain.OrchestrationError{SessionID: "s2", Stage: "agent_start", Err: errors.New("boom")}
	rec := f.do(http.MethodPost, "/calls/start", `{"course_id":"C1"}`, nil)
	assert.Contains(t, rec.Body.String(), `"session_id":"s2"`)
}

func TestStartCallRejectsBadBody(t *testing.T) {
	f := newFixture(t, "", 0)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/calls/start", `{"course_id":`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/calls/start", `{"course":"C1"}`, nil).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, f.do(http.MethodPost, "/calls/start", `course_id=C1`, map[string]string{"Content-Type": "text/plain"}).Code)
}

func TestStopAndStatus(t *testing.T) {
	f := newFixture(t, "", 0)

	rec := f.do(http.MethodPost, "/calls/stop", `{"session_id":"s1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"s1","stopped":true,"state":"ENDED"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/calls/stop", `{"session_id":"nope"}`, nil).Code)

	rec = f.do(http.MethodGet, "/calls/s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/calls/nope", "", nil).Code)

	rec = f.do(http.MethodGet, "/calls", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)
}

func TestJobRoutesAreNotShadowedBySessionRoute(t *testing.T) {
	f := newFixture(t, "", 0)

	rec := f.do(http.MethodGet, "/calls/jobs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"exhausted"`)
	assert.Contains(t, rec.Body.String(), `"s9"`)

	rec = f.do(http.MethodPost, "/calls/jobs/s9/retry", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"s9"}, f.jobs.retried)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/calls/jobs/other/retry", "", nil).Code)
}

func signed(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAPIRequiresBearerTokenWhenConfigured(t *testing.T) {
	f := newFixture(t, "api-secret", 0)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/calls", "", nil).Code)

	bad := signed(t, "other-secret", time.Now().Add(time.Minute))
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/calls", "", map[string]string{"Authorization": "Bearer " + bad}).Code)

	expired := signed(t, "api-secret", time.Now().Add(-time.Minute))
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/calls", "", map[string]string{"Authorization": "Bearer " + expired}).Code)

	good := signed(t, "api-secret", time.Now().Add(time.Minute))
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/calls", "", map[string]string{"Authorization": "Bearer " + good}).Code)

	// Webhooks and health stay reachable without API credentials.
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhooks/daily", `{"type":"participant.joined"}`, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", nil).Code)
}

func TestWebhookIngress(t *testing.T) {
	f := newFixture(t, "", 0)

	rec := f.do(http.MethodPost, "/webhooks/daily", `{"type":"participant.joined"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"unmatched"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/webhooks/daily", `{not json`, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/webhooks/zoom", `{}`, nil).Code)
	assert.Equal(t, 2, f.proc.calls)
}

func TestWebhookBurstIsPacedNotRejected(t *testing.T) {
	f := newFixture(t, "", 20)

	start := time.Now()
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhooks/daily", `{}`, nil).Code)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 3, f.proc.calls)

	// Far over the limit the event still gets through once the wait is exhausted.
	slow := newFixture(t, "", 0.001)
	assert.Equal(t, http.StatusOK, slow.do(http.MethodPost, "/webhooks/daily", `{}`, nil).Code)
	assert.Equal(t, http.StatusOK, slow.do(http.MethodPost, "/webhooks/daily", `{}`, nil).Code)
	assert.Equal(t, 2, slow.proc.calls)
}

type stubVerifier struct {
	token string
}

func (v stubVerifier) Receive(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if r.Header.Get("Authorization") != v.token {
		return nil, errors.New("invalid signature")
	}
	return body, nil
}

func TestWebhookBodyErrors(t *testing.T) {
	oversized := `{"type":"participant.joined","pad":"` + strings.Repeat("x", maxWebhookBody) + `"}`

	f := newFixture(t, "", 0)
	rec := f.do(http.MethodPost, "/webhooks/daily", oversized, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
	assert.Zero(t, f.proc.calls)

	proc := &stubProcessor{}
	webhooks := NewWebhookHandler(proc, 0, 1)
	webhooks.AddProvider("livekit", stubVerifier{token: "signed"})
	router := mux.NewRouter()
	webhooks.SetupWebhookRoutes(router)
	send := func(body, token string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/livekit", strings.NewReader(body))
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, send(oversized, "signed"))
	assert.Equal(t, http.StatusUnauthorized, send(`{}`, "forged"))
	assert.Equal(t, http.StatusOK, send(`{}`, "signed"))
	assert.Equal(t, 1, proc.calls)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	f := newFixture(t, "", 0)
	rec := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","active_calls":1,"checks":{"database":"ok"}}`, rec.Body.String())

	h := NewHealthHandler(nil)
	h.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	router := mux.NewRouter()
	h.SetupHealthRoutes(router)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, "api-secret", 0)

	rec := f.do(http.MethodOptions, "/calls/start", "", map[string]string{"Origin": "https://app.test"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
