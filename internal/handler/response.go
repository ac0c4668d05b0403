package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
	Field     string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation    *domain.ValidationError
		notFound      *domain.NotFoundError
		orchestration *domain.OrchestrationError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: validation.Field})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &orchestration):
		// The session exists and is FAILED; tell the caller which one.
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), SessionID: orchestration.SessionID})
	default:
		if pe, ok := domain.AsProviderError(err); ok {
			status := http.StatusBadGateway
			if pe.Timeout() {
				status = http.StatusGatewayTimeout
			}
			writeJSON(w, status, errorBody{Error: err.Error()})
			return
		}
		logger.Base().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}
