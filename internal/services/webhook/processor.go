// Package webhook turns provider notifications into call state changes.
package webhook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/session"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Outcome says what processing an event amounted to. None of them is an error for
// the provider: everything except a malformed payload is acknowledged.
type Outcome string

const (
	Applied   Outcome = "applied"
	NoOp      Outcome = "noop"
	Duplicate Outcome = "duplicate"
	Unmatched Outcome = "unmatched"
	Ignored   Outcome = "ignored"
)

type Result struct {
	Outcome   Outcome
	EventType domain.EventType
	SessionID string
	DedupeKey string
}

// Processor owns the event-to-transition table.
type Processor struct {
	registry *session.Registry
	window   *Window
	bus      event.EventBus
	parsers  map[string]provider.WebhookParser
	now      func() time.Time
}

// NewProcessor wires a processor. bus may be nil, in which case recording readiness
// is only recorded on the session.
func NewProcessor(registry *session.Registry, window *Window, bus event.EventBus) *Processor {
	return &Processor{
		registry: registry,
		window:   window,
		bus:      bus,
		parsers:  make(map[string]provider.WebhookParser),
		now:      time.Now,
	}
}

// RegisterParser makes payloads of providerName acceptable.
func (p *Processor) RegisterParser(providerName string, parser provider.WebhookParser) {
	p.parsers[providerName] = parser
}

// Process parses, correlates, dedupes and applies one delivery. The only errors are
// ValidationError for an unknown provider and ErrMalformedEvent for a bad payload.
func (p *Processor) Process(ctx context.Context, providerName string, body []byte) (Result, error) {
	parse, ok := p.parsers[providerName]
	if !ok {
		return Result{}, domain.NewValidationError("provider", fmt.Sprintf("unsupported provider %q", providerName))
	}
	ev, err := parse(body)
	if err != nil {
		logger.Base().Warn("Rejected malformed webhook", zap.String("provider", providerName), zap.Error(err))
		return Result{}, err
	}
	ev.DedupeKey = DedupeKey(ev, body)
	res := Result{EventType: ev.EventType, DedupeKey: ev.DedupeKey}

	if !handled(ev.EventType) {
		logger.Base().Debug("Ignoring webhook type", zap.String("provider", providerName), zap.String("event_type", string(ev.EventType)))
		res.Outcome = Ignored
		return res, nil
	}

	sessionID, found := p.correlate(ev.CorrelationKey)
	if !found {
		logger.Base().Debug("No session for webhook",
			zap.String("event_type", string(ev.EventType)),
			zap.String("room_name", ev.CorrelationKey.RoomName),
			zap.String("call_sid", ev.CorrelationKey.CallSID))
		res.Outcome = Unmatched
		return res, nil
	}
	res.SessionID = sessionID
	log := logger.ForSession(sessionID).With(zap.String("event_type", string(ev.EventType)))

	claimed, err := p.window.Claim(ctx, ev.DedupeKey, sessionID)
	if err != nil {
		// Transitions are idempotent, so an unavailable window only costs a replay.
		log.Warn("Dedupe window unavailable", zap.Error(err))
		claimed = true
	}
	if !claimed {
		log.Debug("Dropped duplicate webhook", zap.Error(&domain.DuplicateEventError{DedupeKey: ev.DedupeKey}))
		res.Outcome = Duplicate
		return res, nil
	}

	outcome, err := p.apply(sessionID, ev)
	if err != nil {
		if domain.IsNotFound(err) {
			// Removed between correlation and apply.
			if relErr := p.window.Release(ctx, ev.DedupeKey); relErr != nil {
				log.Warn("Failed to release dedupe key", zap.Error(relErr))
			}
			res.Outcome = Unmatched
			return res, nil
		}
		return res, err
	}
	res.Outcome = outcome
	log.Debug("Processed webhook", zap.String("outcome", string(outcome)))
	return res, nil
}

func handled(t domain.EventType) bool {
	switch t {
	case domain.EventRoomCreated, domain.EventParticipantJoined, domain.EventParticipantLeft,
		domain.EventRecordingStarted, domain.EventRecordingReady, domain.EventRecordingError,
		domain.EventMeetingEnded:
		return true
	}
	return false
}

// correlate tries the room name first, then the telephony call sid, then a known
// recording id. Session ids in payloads are never trusted.
func (p *Processor) correlate(key domain.CorrelationKey) (string, bool) {
	if key.RoomName != "" {
		if id, ok := p.registry.Find(func(s *domain.CallSession) bool { return s.RoomName() == key.RoomName }); ok {
			return id, true
		}
	}
	if key.CallSID != "" {
		if id, ok := p.registry.Find(func(s *domain.CallSession) bool { return s.CallSID == key.CallSID }); ok {
			return id, true
		}
	}
	if key.RecordingID != "" {
		if id, ok := p.registry.Find(func(s *domain.CallSession) bool { return s.Meta(domain.MetaRecordingID) == key.RecordingID }); ok {
			return id, true
		}
	}
	return "", false
}

func (p *Processor) isAgent(sessionID string, ev domain.WebhookEvent) (bool, error) {
	s, err := p.registry.Get(sessionID)
	if err != nil {
		return false, err
	}
	identity := s.AgentIdentity()
	return identity != "" && (ev.ParticipantName == identity || ev.ParticipantID == identity), nil
}

func (p *Processor) stamp() string {
	return p.now().UTC().Format(time.RFC3339)
}

func (p *Processor) transition(sessionID string, trigger statemachine.Trigger, reason string, mutate func(*domain.CallSession)) (Outcome, error) {
	res, err := p.registry.Transition(sessionID, trigger, reason, mutate)
	if err != nil {
		return "", err
	}
	if res.Changed() {
		return Applied, nil
	}
	return NoOp, nil
}

func (p *Processor) annotate(sessionID string, mutate func(*domain.CallSession)) (Outcome, error) {
	err := p.registry.Update(sessionID, func(s *domain.CallSession) error {
		mutate(s)
		return nil
	})
	if err != nil {
		return "", err
	}
	return Applied, nil
}

func (p *Processor) apply(sessionID string, ev domain.WebhookEvent) (Outcome, error) {
	switch ev.EventType {
	case domain.EventRoomCreated:
		return p.annotate(sessionID, func(s *domain.CallSession) {
			if s.Meta(domain.MetaRoomCreatedAt) == "" {
				s.SetMeta(domain.MetaRoomCreatedAt, p.stamp())
			}
		})

	case domain.EventParticipantJoined:
		agent, err := p.isAgent(sessionID, ev)
		if err != nil {
			return "", err
		}
		if agent {
			return p.transition(sessionID, statemachine.AgentJoined, "agent_joined", func(s *domain.CallSession) {
				if s.Meta(domain.MetaAgentJoinedAt) == "" {
					s.SetMeta(domain.MetaAgentJoinedAt, p.stamp())
				}
			})
		}
		return p.annotate(sessionID, func(s *domain.CallSession) {
			if s.Meta(domain.MetaHumanJoinedAt) == "" {
				s.SetMeta(domain.MetaHumanJoinedAt, p.stamp())
			}
			if s.CallSID == "" {
				s.CallSID = ev.CorrelationKey.CallSID
			}
		})

	case domain.EventParticipantLeft:
		agent, err := p.isAgent(sessionID, ev)
		if err != nil {
			return "", err
		}
		if agent {
			return p.transition(sessionID, statemachine.AgentLeft, "agent_left", nil)
		}
		return p.transition(sessionID, statemachine.HumanLeft, "human_left", func(s *domain.CallSession) {
			if s.Meta(domain.MetaHumanLeftAt) == "" {
				s.SetMeta(domain.MetaHumanLeftAt, p.stamp())
			}
		})

	case domain.EventRecordingStarted:
		return p.annotate(sessionID, func(s *domain.CallSession) {
			s.SetMeta(domain.MetaRecordingID, ev.RecordingID)
		})

	case domain.EventRecordingReady:
		outcome, err := p.annotate(sessionID, func(s *domain.CallSession) {
			s.SetMeta(domain.MetaRecordingID, ev.RecordingID)
			s.SetMeta(domain.MetaRecordingURL, ev.RecordingURL)
			if ev.RecordingDuration > 0 {
				s.SetMeta(domain.MetaRecordingSeconds, strconv.Itoa(int(ev.RecordingDuration.Seconds())))
			}
		})
		if err != nil {
			return "", err
		}
		p.publish(event.RecordingReady, sessionID, event.RecordingInfo{RecordingID: ev.RecordingID})
		return outcome, nil

	case domain.EventRecordingError:
		logger.ForSession(sessionID).Warn("Recording failed", zap.String("recording_id", ev.RecordingID), zap.String("error", ev.RecordingError))
		return p.annotate(sessionID, func(s *domain.CallSession) {
			s.SetMeta(domain.MetaRecordingID, ev.RecordingID)
			s.SetMeta(domain.MetaRecordingError, firstNonEmpty(ev.RecordingError, "unknown"))
		})

	case domain.EventMeetingEnded:
		return p.transition(sessionID, statemachine.StopRequested, "meeting_ended", nil)
	}
	return Ignored, nil
}

func (p *Processor) publish(t event.EventType, sessionID string, data interface{}) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(t, sessionID, data); err != nil {
		logger.ForSession(sessionID).Warn("Failed to publish call event", zap.String("type", string(t)), zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
