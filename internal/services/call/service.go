// Package call coordinates call sessions: provisioning, agent start, stop and the
// periodic sweep of sessions that stopped making progress.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niva-ai/niva-voice-service/internal/adapters/agentruntime"
	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/session"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Deps are the orchestrator collaborators. Dialer and Presence are optional.
type Deps struct {
	Provider provider.Provider
	Registry *session.Registry
	Catalog  repository.CatalogRepository
	Records  repository.CallRecordRepository
	Runtime  AgentRuntime
	Dialer   Dialer
	Presence *session.Presence
}

// Service is the call orchestrator.
type Service struct {
	cfg  config.OrchestratorConfig
	deps Deps
	now  func() time.Time

	// stopping holds a done channel per session whose shutdown is in flight.
	stopping sync.Map
}

func NewService(cfg config.OrchestratorConfig, deps Deps) *Service {
	if cfg.RoomPrefix == "" {
		cfg.RoomPrefix = config.DefaultOrchestratorConfig.RoomPrefix
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
	}
}

func (s *Service) dialerEnabled() bool {
	return s.deps.Dialer != nil && s.deps.Dialer.IsEnabled()
}

// StartCall provisions a room, registers the session and asks the runtime to start
// the agent. It returns once the agent start was accepted; it does not wait for the
// call to become active.
func (s *Service) StartCall(ctx context.Context, req StartCallRequest) (*StartCallResponse, error) {
	courseID := strings.TrimSpace(req.CourseID)
	phone := strings.TrimSpace(req.PhoneNumber)
	if courseID == "" {
		return nil, domain.NewValidationError("course_id", "is required")
	}
	if phone != "" && repository.NormalizePhone(phone) == "" {
		return nil, domain.NewValidationError("phone_number", "must contain digits")
	}

	agentID, err := s.resolveAgent(ctx, courseID, strings.TrimSpace(req.AgentID))
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	log := logger.ForSession(sessionID)
	direction := domain.DirectionInbound
	if phone != "" && s.dialerEnabled() {
		direction = domain.DirectionOutbound
	}

	provCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	prov, err := s.provision(provCtx, sessionID)
	cancel()
	if err != nil {
		log.Error("Provisioning failed", zap.String("course_id", courseID), zap.Error(err))
		return nil, err
	}

	now := s.now()
	sess := domain.CallSession{
		SessionID:   sessionID,
		CourseID:    courseID,
		AgentID:     agentID,
		RoomURL:     prov.roomURL,
		RoomToken:   prov.callerToken,
		SIPEndpoint: prov.sipEndpoint,
		PhoneNumber: phone,
		State:       domain.StateRequested,
		CreatedAt:   now,
	}
	sess.SetMeta(domain.MetaRoomName, prov.roomName)
	sess.SetMeta(domain.MetaAgentIdentity, agentIdentity(sessionID))
	sess.SetMeta(domain.MetaDirection, string(direction))
	sess.SetMeta(domain.MetaProvider, s.deps.Provider.Name())
	sess.SetMeta(domain.MetaRecordingExpected, strconv.FormatBool(prov.recording))
	sess.SetMeta(domain.MetaRecordingID, prov.recordingID)
	statemachine.Apply(&sess, statemachine.Provisioned, "", now)

	if err := s.deps.Registry.Register(sess); err != nil {
		s.deleteRoom(prov.roomName)
		return nil, err
	}
	log.Info("Call session registered",
		zap.String("course_id", courseID),
		zap.String("agent_id", agentID),
		zap.String("room_name", prov.roomName),
		zap.String("direction", string(direction)))

	// From here on failures leave the session visible as FAILED.
	record := &domain.CallRecord{
		SessionID:   sessionID,
		CourseID:    courseID,
		AgentID:     agentID,
		PhoneNumber: phone,
		Direction:   string(direction),
		RoomName:    prov.roomName,
		RoomURL:     prov.roomURL,
		Status:      domain.CallStatusInProgress,
		StartedAt:   now,
	}
	if err := s.deps.Records.Create(ctx, record); err != nil {
		return nil, s.fail(sessionID, "record_store_error", "record", err)
	}

	if direction == domain.DirectionOutbound {
		callSID, err := s.deps.Dialer.Dial(ctx, phone, prov.sipEndpoint)
		if err != nil {
			return nil, s.fail(sessionID, "dial_error", "dial", err)
		}
		if err := s.deps.Registry.Update(sessionID, func(cs *domain.CallSession) error {
			cs.CallSID = callSID
			return nil
		}); err != nil {
			return nil, &domain.OrchestrationError{SessionID: sessionID, Stage: "dial", Err: err}
		}
	}

	if _, err := s.deps.Registry.Transition(sessionID, statemachine.AgentStartRequested, "", nil); err != nil {
		return nil, &domain.OrchestrationError{SessionID: sessionID, Stage: "agent_start", Err: err}
	}

	startCtx, cancelStart := context.WithTimeout(ctx, s.cfg.AgentStartTimeout)
	err = s.deps.Runtime.Start(startCtx, agentruntime.StartRequest{
		SessionID:     sessionID,
		RoomURL:       prov.roomURL,
		RoomName:      prov.roomName,
		Token:         prov.agentToken,
		SIPEndpoint:   prov.sipEndpoint,
		AgentIdentity: agentIdentity(sessionID),
		CourseID:      courseID,
		AgentID:       agentID,
		PhoneNumber:   phone,
		Direction:     string(direction),
	})
	cancelStart()
	if err != nil {
		return nil, s.fail(sessionID, "agent_start_error", "agent_start", err)
	}

	log.Info("Agent start requested", zap.String("agent_id", agentID))
	return &StartCallResponse{
		SessionID:   sessionID,
		RoomURL:     prov.roomURL,
		RoomToken:   prov.callerToken,
		SIPEndpoint: prov.sipEndpoint,
	}, nil
}

// resolveAgent returns agentID after checking it serves the course, or the course's
// default agent when agentID is empty.
func (s *Service) resolveAgent(ctx context.Context, courseID, agentID string) (string, error) {
	if _, err := s.deps.Catalog.GetActiveCourse(ctx, courseID); err != nil {
		return "", err
	}
	if agentID == "" {
		agent, err := s.deps.Catalog.DefaultAgentForCourse(ctx, courseID)
		if err != nil {
			return "", err
		}
		return agent.ID, nil
	}
	if _, err := s.deps.Catalog.GetActiveAgent(ctx, agentID); err != nil {
		return "", err
	}
	ok, err := s.deps.Catalog.AgentServesCourse(ctx, agentID, courseID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.NewValidationError("agent_id", fmt.Sprintf("agent %s does not serve course %s", agentID, courseID))
	}
	return agentID, nil
}

func agentIdentity(sessionID string) string {
	return "agent-" + sessionID
}

func callerIdentity(sessionID string) string {
	return "caller-" + sessionID
}

// provision runs the provider handshake. A failure after the room exists deletes
// the room so nothing is left behind.
func (s *Service) provision(ctx context.Context, sessionID string) (provisioned, error) {
	roomName := fmt.Sprintf("%s-%s", s.cfg.RoomPrefix, sessionID)
	expiresAt := s.now().Add(s.cfg.RoomExpiry)

	room, err := s.deps.Provider.CreateRoom(ctx, provider.RoomConfig{
		Name:            roomName,
		ExpiresAt:       expiresAt,
		EnableSIP:       true,
		SIPDisplayName:  sessionID,
		EnableRecording: s.cfg.EnableRecording,
	})
	if err != nil {
		return provisioned{}, asProviderError("create_room", err)
	}

	out := provisioned{
		roomName:    room.Name,
		roomURL:     room.URL,
		recording:   room.Recording,
		recordingID: room.RecordingID,
	}
	if out.roomName == "" {
		out.roomName = roomName
	}

	out.callerToken, err = s.deps.Provider.CreateToken(ctx, provider.TokenRequest{
		RoomName:  out.roomName,
		Identity:  callerIdentity(sessionID),
		ExpiresAt: expiresAt,
	})
	if err == nil {
		out.agentToken, err = s.deps.Provider.CreateToken(ctx, provider.TokenRequest{
			RoomName:       out.roomName,
			Identity:       agentIdentity(sessionID),
			Owner:          true,
			ExpiresAt:      expiresAt,
			StartRecording: room.Recording,
		})
	}
	if err != nil {
		s.deleteRoom(out.roomName)
		return provisioned{}, asProviderError("create_token", err)
	}

	sip, err := s.deps.Provider.CreateSIPEndpoint(ctx, room)
	if err != nil {
		s.deleteRoom(out.roomName)
		return provisioned{}, asProviderError("create_sip_endpoint", err)
	}
	out.sipEndpoint = sip.Endpoint
	return out, nil
}

func asProviderError(op string, err error) error {
	if _, ok := domain.AsProviderError(err); ok {
		return err
	}
	return domain.NewProviderError(op, 0, err)
}

// deleteRoom removes a provider room on a fresh context; the caller's may be spent.
func (s *Service) deleteRoom(roomName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Provider.DeleteRoom(ctx, roomName); err != nil {
		logger.Base().Warn("Failed to delete room", zap.String("room_name", roomName), zap.Error(err))
	}
}

// fail moves a registered session to FAILED and wraps cause for the caller.
func (s *Service) fail(sessionID, reason, stage string, cause error) error {
	logger.ForSession(sessionID).Error("Call failed", zap.String("reason", reason), zap.Error(cause))
	if _, err := s.deps.Registry.Transition(sessionID, statemachine.Fail, reason, nil); err != nil {
		logger.ForSession(sessionID).Warn("Failed to mark session failed", zap.Error(err))
	}
	return &domain.OrchestrationError{SessionID: sessionID, Stage: stage, Err: cause}
}

// StopCall ends a session. A session owned by another instance is forwarded to its
// owner over the stop channel.
func (s *Service) StopCall(ctx context.Context, sessionID string) (*StopCallResponse, error) {
	return s.stop(ctx, sessionID, string(statemachine.StopRequested))
}

func (s *Service) stop(ctx context.Context, sessionID, reason string) (*StopCallResponse, error) {
	if sessionID == "" {
		return nil, domain.NewValidationError("session_id", "is required")
	}

	res, err := s.deps.Registry.Transition(sessionID, statemachine.StopRequested, reason, nil)
	if err != nil {
		if domain.IsNotFound(err) {
			return s.forwardStop(ctx, sessionID, err)
		}
		return nil, err
	}

	if res.Changed() || res.From == domain.StateEnding {
		s.shutdown(sessionID)
	}

	current, err := s.deps.Registry.Get(sessionID)
	if err != nil {
		// Already post-processed and released.
		if domain.IsNotFound(err) {
			return &StopCallResponse{SessionID: sessionID, Stopped: true, State: domain.StatePostProcessed}, nil
		}
		return nil, err
	}
	return &StopCallResponse{
		SessionID: sessionID,
		Stopped:   current.State.IsTerminal(),
		State:     current.State,
	}, nil
}

func (s *Service) forwardStop(ctx context.Context, sessionID string, notFound error) (*StopCallResponse, error) {
	if s.deps.Presence == nil {
		return nil, notFound
	}
	info, found, err := s.deps.Presence.Lookup(ctx, sessionID)
	if err != nil {
		logger.ForSession(sessionID).Warn("Presence lookup failed", zap.Error(err))
		return nil, notFound
	}
	if !found || info.InstanceID == s.deps.Presence.InstanceID() {
		return nil, notFound
	}
	if err := s.deps.Presence.NotifyStop(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to forward stop to instance %s: %w", info.InstanceID, err)
	}
	return &StopCallResponse{SessionID: sessionID, Stopped: true, Forwarded: true}, nil
}

// shutdown stops the agent runtime and the PSTN leg, then moves an ENDING session to
// ENDED. It never takes longer than the grace period: an unresponsive runtime ends
// the call anyway. Concurrent callers for one session share a single shutdown.
func (s *Service) shutdown(sessionID string) {
	done := make(chan struct{})
	if existing, loaded := s.stopping.LoadOrStore(sessionID, done); loaded {
		select {
		case <-existing.(chan struct{}):
		case <-time.After(s.cfg.StopGracePeriod + time.Second):
		}
		return
	}
	defer func() {
		s.stopping.Delete(sessionID)
		close(done)
	}()

	log := logger.ForSession(sessionID)
	sess, err := s.deps.Registry.Get(sessionID)
	if err != nil || sess.State != domain.StateEnding {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- s.releaseRuntime(ctx, sess)
	}()

	trigger, reason := statemachine.GraceExpired, "grace_expired"
	select {
	case err := <-result:
		if err == nil {
			trigger, reason = statemachine.AgentStopped, "agent_stopped"
		} else {
			log.Warn("Agent runtime stop failed, ending call", zap.Error(err))
			reason = "agent_stop_error"
		}
	case <-ctx.Done():
		log.Warn("Agent runtime did not stop within grace period", zap.Duration("grace", s.cfg.StopGracePeriod))
	}

	if _, err := s.deps.Registry.Transition(sessionID, trigger, reason, nil); err != nil && !domain.IsNotFound(err) {
		log.Warn("Failed to end session", zap.Error(err))
	}
}

// releaseRuntime hangs up the PSTN leg and stops the agent. Both are attempted.
func (s *Service) releaseRuntime(ctx context.Context, sess domain.CallSession) error {
	var errs []error
	if sess.CallSID != "" && s.dialerEnabled() {
		if err := s.deps.Dialer.Hangup(ctx, sess.CallSID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deps.Runtime.Stop(ctx, sess.SessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Attach drives shutdown for sessions that reach ENDING through webhooks and releases
// the runtime of sessions that fail mid-flight.
func (s *Service) Attach(bus event.EventBus) error {
	return bus.Subscribe(event.CallStateChanged, func(e *event.CallEvent) {
		change, ok := e.StateChange()
		if !ok {
			return
		}
		switch change.To {
		case domain.StateEnding:
			s.shutdown(e.SessionID)
		case domain.StateFailed:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod)
			defer cancel()
			if err := s.releaseRuntime(ctx, change.Session); err != nil {
				logger.ForSession(e.SessionID).Warn("Failed to release runtime of failed call", zap.Error(err))
			}
		}
	})
}

// ListenForStops runs stop requests forwarded by other instances for sessions
// owned here.
func (s *Service) ListenForStops(ctx context.Context) error {
	if s.deps.Presence == nil {
		return nil
	}
	logger.Base().Info("Subscribing to forwarded stop requests", zap.String("instance_id", s.deps.Presence.InstanceID()))
	return s.deps.Presence.SubscribeToStop(ctx, func(sessionID string) {
		if _, err := s.deps.Registry.Get(sessionID); err != nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGracePeriod+5*time.Second)
		defer cancel()
		if _, err := s.stop(stopCtx, sessionID, "forwarded_stop"); err != nil {
			logger.ForSession(sessionID).Warn("Forwarded stop failed", zap.Error(err))
		}
	})
}

// GetStatus returns a snapshot of the session.
func (s *Service) GetStatus(sessionID string) (domain.CallSession, error) {
	return s.deps.Registry.Get(sessionID)
}

// ListActive returns every live session, oldest first.
func (s *Service) ListActive() []CallSummary {
	sessions := s.deps.Registry.ListActive()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	out := make([]CallSummary, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, summarize(cs))
	}
	return out
}
