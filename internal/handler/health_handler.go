package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"golang.org/x/sync/errgroup"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]HealthCheck
	active  func() int
	events  func() event.BusStats
	timeout time.Duration
}

func NewHealthHandler(active func() int) *HealthHandler {
	return &HealthHandler{
		checks:  make(map[string]HealthCheck),
		active:  active,
		timeout: 3 * time.Second,
	}
}

func (h *HealthHandler) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// ReportEvents adds event bus counters to the health body.
func (h *HealthHandler) ReportEvents(stats func() event.BusStats) {
	h.events = stats
}

func (h *HealthHandler) SetupHealthRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

type healthResponse struct {
	Status      string            `json:"status"`
	ActiveCalls int               `json:"active_calls"`
	Checks      map[string]string `json:"checks"`
	Events      *event.BusStats   `json:"events,omitempty"`
}

// Health runs every check in parallel and reports 503 if any fails
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, check := i, h.checks[name]
		g.Go(func() error {
			results[i] = check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	if h.active != nil {
		resp.ActiveCalls = h.active()
	}
	if h.events != nil {
		stats := h.events()
		resp.Events = &stats
	}
	status := http.StatusOK
	for i, name := range names {
		if results[i] != nil {
			resp.Checks[name] = results[i].Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
