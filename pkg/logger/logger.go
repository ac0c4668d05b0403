package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu          sync.RWMutex
	globalSugar *zap.SugaredLogger
	globalBase  *zap.Logger
)

// Init builds the process-wide zap logger. env "production"/"prod" selects the JSON
// production config, anything else the development console config. Stdlib log output
// is redirected to zap.
func Init(env string) (*zap.SugaredLogger, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalBase != nil {
		return globalSugar, nil
	}

	var cfg zap.Config
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zap.ParseAtomicLevel(lvl); err == nil {
			cfg.Level = parsed
		}
	}

	base, err := cfg.Build(zap.Fields(zap.String("service", "niva-voice-service")))
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)

	globalBase = base
	globalSugar = base.Sugar()
	return globalSugar, nil
}

func ensure() {
	mu.RLock()
	ready := globalBase != nil
	mu.RUnlock()
	if ready {
		return
	}
	if _, err := Init(os.Getenv("LOG_ENV")); err != nil {
		base, _ := zap.NewDevelopment()
		mu.Lock()
		globalBase = base
		globalSugar = base.Sugar()
		mu.Unlock()
	}
}

// L returns the global sugared logger.
func L() *zap.SugaredLogger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// Base returns the global structured logger.
func Base() *zap.Logger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return globalBase
}

// ForSession returns a child logger tagged with the call session id.
func ForSession(sessionID string) *zap.Logger {
	return Base().With(zap.String("session_id", sessionID))
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Base().Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Base().Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Base().Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Base().Error(msg, fields...)
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
}

// GORMWriter adapts zap to gorm's logger.Writer.
type GORMWriter struct{}

// Printf implements gorm.io/gorm/logger.Writer. GORM only routes slow queries and
// errors through the writer at the levels we configure, so everything lands at Warn.
func (w GORMWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\r\n")
	Base().Warn(msg, zap.String("component", "gorm"))
}

func NewGORMWriter() GORMWriter {
	return GORMWriter{}
}
