package call

import (
	"context"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	JoinTimeouts int
	ForcedEnds   int
	MaxDuration  int
}

func (r SweepResult) Total() int {
	return r.JoinTimeouts + r.ForcedEnds + r.MaxDuration
}

// Sweep handles sessions whose webhooks never arrived: agents that never joined,
// ENDING sessions nobody finished, and calls past the maximum duration.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	now := s.now()
	var res SweepResult
	var overdue []string

	// Decide from a snapshot, act after; the registry re-checks state under its lock.
	for _, cs := range s.deps.Registry.ListActive() {
		switch cs.State {
		case domain.StateRoomProvisioned, domain.StateAgentJoining:
			if now.Sub(cs.CreatedAt) > s.cfg.AgentJoinTimeout {
				r, err := s.deps.Registry.Transition(cs.SessionID, statemachine.Fail, "agent_join_timeout", nil)
				if err == nil && r.Changed() {
					res.JoinTimeouts++
				}
			}
		case domain.StateEnding:
			if _, inFlight := s.stopping.Load(cs.SessionID); inFlight {
				continue
			}
			if now.Sub(endingSince(cs)) > s.cfg.StopGracePeriod {
				r, err := s.deps.Registry.Transition(cs.SessionID, statemachine.GraceExpired, "grace_expired", nil)
				if err == nil && r.Changed() {
					res.ForcedEnds++
				}
			}
		case domain.StateActive:
			if s.cfg.MaxCallDuration > 0 && now.Sub(cs.CreatedAt) > s.cfg.MaxCallDuration {
				overdue = append(overdue, cs.SessionID)
			}
		}
	}

	for _, id := range overdue {
		res.MaxDuration++
		go func(sessionID string) {
			stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+5*time.Second)
			defer cancel()
			if _, err := s.stop(stopCtx, sessionID, "max_duration"); err != nil {
				logger.ForSession(sessionID).Warn("Failed to stop overdue call", zap.Error(err))
			}
		}(id)
	}

	if res.Total() > 0 {
		logger.Base().Info("Swept stuck sessions",
			zap.Int("join_timeouts", res.JoinTimeouts),
			zap.Int("forced_ends", res.ForcedEnds),
			zap.Int("max_duration", res.MaxDuration))
	}
	return res
}

// endingSince is when cs entered ENDING. Later updates must not restart the
// grace period.
func endingSince(cs domain.CallSession) time.Time {
	if at, err := time.Parse(time.RFC3339Nano, cs.Meta(domain.MetaEndingAt)); err == nil {
		return at
	}
	return cs.UpdatedAt
}

// RunSweeper sweeps every SweepInterval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Base().Info("Started session sweeper",
		zap.Duration("interval", interval),
		zap.Duration("agent_join_timeout", s.cfg.AgentJoinTimeout),
		zap.Duration("max_call_duration", s.cfg.MaxCallDuration))
	for {
		select {
		case <-ctx.Done():
			logger.Base().Info("Session sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
