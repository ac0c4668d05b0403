package event

import (
	"time"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs handler start and duration at debug level.
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		start := time.Now()
		next(event)
		logger.Base().Debug("Event handled",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
			zap.Duration("duration", time.Since(start)))
	}
}

// ValidationMiddleware drops events with no type or session.
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		if event == nil {
			logger.Base().Error("Received nil event")
			return
		}
		if event.Type == "" || event.SessionID == "" {
			logger.Base().Error("Dropping incomplete event",
				zap.String("type", string(event.Type)),
				zap.String("session_id", event.SessionID))
			return
		}
		if event.Type == CallStateChanged {
			if _, ok := event.StateChange(); !ok {
				logger.Base().Error("State change event without payload", zap.String("session_id", event.SessionID))
				return
			}
		}
		next(event)
	}
}
