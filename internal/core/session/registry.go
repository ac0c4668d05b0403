// Package session keeps the live call sessions of this instance.
//
// Each session sits behind its own mutex. The map lock is only held long enough to
// find, insert or delete an entry, so work on one session never waits on another.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

var ErrAlreadyRegistered = errors.New("session already registered")

type entry struct {
	mu      sync.Mutex
	session domain.CallSession
	removed bool
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	bus     event.EventBus
	now     func() time.Time
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(bus event.EventBus) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		bus:     bus,
		now:     time.Now,
	}
}

func snapshot(s *domain.CallSession) domain.CallSession {
	return s.Clone()
}

func (r *Registry) lookup(sessionID string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	return e, ok
}

// Register adds s. It fails if the id is already present.
func (r *Registry) Register(s domain.CallSession) error {
	if s.SessionID == "" {
		return domain.NewValidationError("session_id", "is required")
	}
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	stored := snapshot(&s)

	r.mu.Lock()
	if _, exists := r.entries[s.SessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, s.SessionID)
	}
	r.entries[s.SessionID] = &entry{session: stored}
	r.mu.Unlock()

	r.publish(event.CallRegistered, s.SessionID, snapshot(&stored))
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (domain.CallSession, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return domain.CallSession{}, domain.NewNotFoundError("session", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.CallSession{}, domain.NewNotFoundError("session", sessionID)
	}
	return snapshot(&e.session), nil
}

// Update runs mutate on a working copy under the session's lock and commits it only
// when mutate returns nil. mutate must not block on I/O.
func (r *Registry) Update(sessionID string, mutate func(*domain.CallSession) error) error {
	e, ok := r.lookup(sessionID)
	if !ok {
		return domain.NewNotFoundError("session", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.NewNotFoundError("session", sessionID)
	}

	working := snapshot(&e.session)
	if err := mutate(&working); err != nil {
		return err
	}
	working.SessionID = e.session.SessionID
	working.State = e.session.State
	working.UpdatedAt = r.now()
	e.session = working
	return nil
}

// Transition fires trigger under the session's lock. mutate, when non-nil, runs first
// on the same working copy so payload fields and the state change commit together.
// State changes are published as CallStateChanged after the lock is released.
func (r *Registry) Transition(sessionID string, trigger statemachine.Trigger, reason string, mutate func(*domain.CallSession)) (statemachine.Result, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return statemachine.Result{}, domain.NewNotFoundError("session", sessionID)
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return statemachine.Result{}, domain.NewNotFoundError("session", sessionID)
	}
	working := snapshot(&e.session)
	if mutate != nil {
		mutate(&working)
		working.SessionID = e.session.SessionID
		working.State = e.session.State
	}
	now := r.now()
	res := statemachine.Apply(&working, trigger, reason, now)
	if mutate != nil && !res.Changed() {
		working.UpdatedAt = now
	}
	e.session = working
	after := snapshot(&working)
	e.mu.Unlock()

	log := logger.ForSession(sessionID)
	switch res.Outcome {
	case statemachine.Applied:
		log.Info("Call state changed",
			zap.String("from", string(res.From)),
			zap.String("to", string(res.To)),
			zap.String("trigger", string(trigger)),
			zap.String("reason", reason))
		r.publish(event.CallStateChanged, sessionID, event.StateChange{
			From:    res.From,
			To:      res.To,
			Trigger: string(trigger),
			Reason:  reason,
			Session: after,
		})
	case statemachine.Stale:
		log.Debug("Ignoring stale transition", zap.String("state", string(res.From)), zap.String("trigger", string(trigger)))
	default:
		log.Info("Ignoring illegal transition", zap.String("state", string(res.From)), zap.String("trigger", string(trigger)))
	}
	return res, nil
}

// Remove drops the session. Callers holding a stale pointer to the entry observe
// NotFound from then on.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return domain.NewNotFoundError("session", sessionID)
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	r.publish(event.CallRemoved, sessionID, nil)
	return nil
}

func (r *Registry) entriesSnapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ListActive returns copies of every registered session. The result may miss
// mutations that race with the call.
func (r *Registry) ListActive() []domain.CallSession {
	entries := r.entriesSnapshot()
	out := make([]domain.CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, snapshot(&e.session))
		}
		e.mu.Unlock()
	}
	return out
}

// Find returns the id of the first session match accepts. match sees the live
// session under its lock and must not retain or modify it.
func (r *Registry) Find(match func(*domain.CallSession) bool) (string, bool) {
	for _, e := range r.entriesSnapshot() {
		e.mu.Lock()
		hit := !e.removed && match(&e.session)
		id := e.session.SessionID
		e.mu.Unlock()
		if hit {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) publish(t event.EventType, sessionID string, data interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(t, sessionID, data); err != nil {
		logger.Base().Warn("Failed to publish call event", zap.String("type", string(t)), zap.String("session_id", sessionID), zap.Error(err))
	}
}
