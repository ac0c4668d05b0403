package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/niva-ai/niva-voice-service/pkg/redis"
	"go.uber.org/zap"
)

const (
	StopChannel = "niva:voice:session:stop"
	PresenceTTL = 2 * time.Hour
)

// SessionInfo is what other instances can see about a session owned here.
type SessionInfo struct {
	SessionID  string    `json:"sessionId"`
	InstanceID string    `json:"instanceId"`
	CourseID   string    `json:"courseId"`
	AgentID    string    `json:"agentId"`
	StartTime  time.Time `json:"startTime"`
}

// StopMessage asks the owning instance to stop a session.
type StopMessage struct {
	SessionID string `json:"sessionId"`
	Origin    string `json:"origin"`
}

// Presence mirrors local sessions into redis so a stop request that lands on the
// wrong instance can be forwarded to the owner.
type Presence struct {
	redisSvc   redis.RedisServiceInterface
	instanceID string
}

func NewPresence(redisSvc redis.RedisServiceInterface, instanceID string) *Presence {
	return &Presence{
		redisSvc:   redisSvc,
		instanceID: instanceID,
	}
}

func (p *Presence) InstanceID() string {
	return p.instanceID
}

func (p *Presence) key(sessionID string) string {
	return p.redisSvc.GenerateKey(redis.SESSION_PRESENCE, sessionID)
}

func (p *Presence) Register(ctx context.Context, info SessionInfo) error {
	info.InstanceID = p.instanceID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}
	if err := p.redisSvc.SetValue(ctx, p.key(info.SessionID), string(data), PresenceTTL); err != nil {
		return fmt.Errorf("failed to register session presence: %w", err)
	}
	return nil
}

func (p *Presence) Unregister(ctx context.Context, sessionID string) error {
	return p.redisSvc.DelValue(ctx, p.key(sessionID))
}

// Lookup returns the presence record of sessionID, if any instance owns it.
func (p *Presence) Lookup(ctx context.Context, sessionID string) (SessionInfo, bool, error) {
	raw, err := p.redisSvc.GetValue(ctx, p.key(sessionID))
	if err != nil {
		if redis.IsNotExist(err) {
			return SessionInfo{}, false, nil
		}
		return SessionInfo{}, false, fmt.Errorf("failed to read session presence: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return SessionInfo{}, false, fmt.Errorf("failed to decode session presence: %w", err)
	}
	return info, true, nil
}

func (p *Presence) NotifyStop(ctx context.Context, sessionID string) error {
	logger.Base().Info("Forwarding stop request", zap.String("session_id", sessionID))
	return p.redisSvc.Publish(ctx, StopChannel, StopMessage{SessionID: sessionID, Origin: p.instanceID})
}

// SubscribeToStop calls handler for stop requests published by other instances.
func (p *Presence) SubscribeToStop(ctx context.Context, handler func(sessionID string)) error {
	return p.redisSvc.Subscribe(ctx, StopChannel, func(payload string) {
		var msg StopMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal stop message", zap.Error(err))
			return
		}
		if msg.Origin == p.instanceID || msg.SessionID == "" {
			return
		}
		handler(msg.SessionID)
	})
}

// Attach keeps presence in step with registry events.
func (p *Presence) Attach(bus event.EventBus) error {
	if err := bus.Subscribe(event.CallRegistered, func(e *event.CallEvent) {
		info := SessionInfo{SessionID: e.SessionID, StartTime: e.Timestamp}
		if s, ok := e.Data.(domain.CallSession); ok {
			info.CourseID = s.CourseID
			info.AgentID = s.AgentID
			info.StartTime = s.CreatedAt
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Register(ctx, info); err != nil {
			logger.Base().Warn("Failed to register session presence", zap.String("session_id", e.SessionID), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	return bus.Subscribe(event.CallRemoved, func(e *event.CallEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Unregister(ctx, e.SessionID); err != nil {
			logger.Base().Warn("Failed to unregister session presence", zap.String("session_id", e.SessionID), zap.Error(err))
		}
	})
}
