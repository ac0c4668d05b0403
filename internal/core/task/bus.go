package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/niva-ai/niva-voice-service/pkg/redis"
	"go.uber.org/zap"
)

const (
	TaskChannel = "niva:voice:session:tasks"

	// Tasks older than this are dropped on receipt; polling has picked the work up by then.
	maxTaskAge = time.Minute
)

// RedisBus broadcasts tasks over a Redis channel. The publishing instance receives
// its own tasks too.
type RedisBus struct {
	redisSvc   redis.RedisServiceInterface
	instanceID string
	now        func() time.Time
}

func NewRedisBus(redisSvc redis.RedisServiceInterface, instanceID string) *RedisBus {
	return &RedisBus{redisSvc: redisSvc, instanceID: instanceID, now: time.Now}
}

func (b *RedisBus) Publish(ctx context.Context, t SessionTask) error {
	t.Origin = b.instanceID
	if t.IssuedAt.IsZero() {
		t.IssuedAt = b.now()
	}
	logger.Base().Debug("Publishing task",
		zap.String("type", string(t.Type)),
		zap.String("session_id", t.SessionID),
		zap.String("reason", t.Reason))
	return b.redisSvc.Publish(ctx, TaskChannel, t)
}

// Subscribe hands well-formed, fresh tasks to handler until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(SessionTask)) error {
	return b.redisSvc.Subscribe(ctx, TaskChannel, func(payload string) {
		var t SessionTask
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			logger.Base().Error("Failed to unmarshal task payload", zap.Error(err))
			return
		}
		if t.Type == "" || t.SessionID == "" {
			logger.Base().Warn("Dropping incomplete task", zap.String("payload", payload))
			return
		}
		if !t.IssuedAt.IsZero() && b.now().Sub(t.IssuedAt) > maxTaskAge {
			logger.Base().Debug("Dropping stale task",
				zap.String("session_id", t.SessionID),
				zap.Time("issued_at", t.IssuedAt))
			return
		}
		handler(t)
	})
}
