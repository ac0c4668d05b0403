package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/services/call"
	"github.com/niva-ai/niva-voice-service/internal/services/postcall"
)

// CallService is the orchestrator surface the API exposes.
type CallService interface {
	StartCall(ctx context.Context, req call.StartCallRequest) (*call.StartCallResponse, error)
	StopCall(ctx context.Context, sessionID string) (*call.StopCallResponse, error)
	GetStatus(sessionID string) (domain.CallSession, error)
	ListActive() []call.CallSummary
}

// JobService is the operator surface of the post-call pipeline.
type JobService interface {
	Report(ctx context.Context) (postcall.Report, error)
	Retry(ctx context.Context, sessionID string) error
}

// CallHandler serves the call control and operator endpoints
type CallHandler struct {
	calls CallService
	jobs  JobService
}

func NewCallHandler(calls CallService, jobs JobService) *CallHandler {
	return &CallHandler{calls: calls, jobs: jobs}
}

// SetupCallRoutes registers /calls routes. Fixed paths go first so {session_id} does not shadow them.
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls/start", h.StartCall).Methods(http.MethodPost)
	router.HandleFunc("/calls/stop", h.StopCall).Methods(http.MethodPost)
	if h.jobs != nil {
		router.HandleFunc("/calls/jobs", h.JobsReport).Methods(http.MethodGet)
		router.HandleFunc("/calls/jobs/{session_id}/retry", h.RetryJob).Methods(http.MethodPost)
	}
	router.HandleFunc("/calls", h.ListCalls).Methods(http.MethodGet)
	router.HandleFunc("/calls/{session_id}", h.GetCall).Methods(http.MethodGet)
}

// StartCall provisions a call and returns the room artifacts
func (h *CallHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req call.StartCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.calls.StartCall(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CallHandler) StopCall(w http.ResponseWriter, r *http.Request) {
	var req call.StopCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.calls.StopCall(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CallHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.calls.ListActive())
}

func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.calls.GetStatus(mux.Vars(r)["session_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	// The caller token is only handed out by start.
	snapshot.RoomToken = ""
	writeJSON(w, http.StatusOK, snapshot)
}

// JobsReport shows post-call job counts and the jobs waiting for an operator
func (h *CallHandler) JobsReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.jobs.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *CallHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if err := h.jobs.Retry(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": string(domain.JobPending)})
}
