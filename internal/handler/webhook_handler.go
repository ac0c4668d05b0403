package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/services/webhook"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxWebhookBody = 1 << 20

	// maxThrottleWait bounds how long a webhook queues behind the limiter. Events
	// still over the limit after it are processed anyway.
	maxThrottleWait = 2 * time.Second
)

var errUnverified = errors.New("webhook verification failed")

// WebhookProcessor consumes one raw provider payload.
type WebhookProcessor interface {
	Process(ctx context.Context, providerName string, body []byte) (webhook.Result, error)
}

// BodyVerifier authenticates a webhook request and returns its body.
type BodyVerifier interface {
	Receive(r *http.Request) ([]byte, error)
}

// WebhookHandler is the provider webhook ingress. Everything except a malformed
// payload is acknowledged so providers never retry events we have no use for.
type WebhookHandler struct {
	processor WebhookProcessor
	verifiers map[string]BodyVerifier
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
}

// NewWebhookHandler paces each provider route to limit events/second with burst.
// Bursts are delayed, never rejected. A non-positive limit disables pacing.
func NewWebhookHandler(processor WebhookProcessor, limit float64, burst int) *WebhookHandler {
	l := rate.Inf
	if limit > 0 {
		l = rate.Limit(limit)
	}
	if burst < 1 {
		burst = 1
	}
	return &WebhookHandler{
		processor: processor,
		verifiers: make(map[string]BodyVerifier),
		limiters:  make(map[string]*rate.Limiter),
		limit:     l,
		burst:     burst,
	}
}

// AddProvider accepts webhooks for providerName. verifier may be nil.
func (h *WebhookHandler) AddProvider(providerName string, verifier BodyVerifier) {
	if verifier != nil {
		h.verifiers[providerName] = verifier
	}
	h.limiters[providerName] = rate.NewLimiter(h.limit, h.burst)
}

func (h *WebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/{provider}", h.HandleWebhook).Methods(http.MethodPost)
}

func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]
	limiter, ok := h.limiters[providerName]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown provider %q", providerName)})
		return
	}
	h.throttle(r.Context(), providerName, limiter)

	body, err := h.readBody(providerName, w, r)
	if err != nil {
		logger.Base().Warn("Rejected webhook", zap.String("provider", providerName), zap.Error(err))
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("webhook body exceeds %d bytes", tooLarge.Limit)})
		case errors.Is(err, errUnverified):
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errUnverified.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable webhook body"})
		}
		return
	}

	res, err := h.processor.Process(r.Context(), providerName, body)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}

	logger.Base().Debug("Webhook processed",
		zap.String("provider", providerName),
		zap.String("event_type", string(res.EventType)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("session_id", res.SessionID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(res.Outcome)})
}

func (h *WebhookHandler) throttle(ctx context.Context, providerName string, limiter *rate.Limiter) {
	ctx, cancel := context.WithTimeout(ctx, maxThrottleWait)
	defer cancel()
	if err := limiter.Wait(ctx); err != nil {
		logger.Base().Warn("Webhook rate limit exceeded, processing anyway", zap.String("provider", providerName), zap.Error(err))
	}
}

func (h *WebhookHandler) readBody(providerName string, w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if v, ok := h.verifiers[providerName]; ok {
		body, err := v.Receive(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUnverified, err)
		}
		return body, nil
	}
	return io.ReadAll(r.Body)
}
