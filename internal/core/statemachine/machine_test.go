package statemachine

import (
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestHappyPath(t *testing.T) {
	s := &domain.CallSession{State: domain.StateRequested, CreatedAt: time.Now()}
	steps := []struct {
		trigger Trigger
		want    domain.CallState
	}{
		{Provisioned, domain.StateRoomProvisioned},
		{AgentStartRequested, domain.StateAgentJoining},
		{AgentJoined, domain.StateActive},
		{HumanLeft, domain.StateEnding},
		{AgentStopped, domain.StateEnded},
		{PostProcessed, domain.StatePostProcessed},
	}
	for _, step := range steps {
		res := Apply(s, step.trigger, "", time.Now())
		assert.Equal(t, Applied, res.Outcome, string(step.trigger))
		assert.Equal(t, step.want, s.State)
	}
	assert.NotNil(t, s.EndedAt)
}

func TestEndedAtSetOnce(t *testing.T) {
	s := &domain.CallSession{State: domain.StateEnding}
	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	Apply(s, GraceExpired, "", first)
	Apply(s, PostProcessed, "", first.Add(time.Minute))
	assert.Equal(t, first, *s.EndedAt)
}

func TestEndingStampedOnEntry(t *testing.T) {
	s := &domain.CallSession{State: domain.StateActive}
	entered := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	Apply(s, HumanLeft, "", entered)
	assert.Equal(t, entered.Format(time.RFC3339Nano), s.Meta(domain.MetaEndingAt))

	assert.Equal(t, Stale, Apply(s, StopRequested, "", entered.Add(time.Minute)).Outcome)
	assert.Equal(t, entered.Format(time.RFC3339Nano), s.Meta(domain.MetaEndingAt))
}

func TestReplayIsStale(t *testing.T) {
	cases := []struct {
		state   domain.CallState
		trigger Trigger
	}{
		{domain.StateActive, AgentJoined},
		{domain.StateEnding, HumanLeft},
		{domain.StateEnded, AgentStopped},
		{domain.StateEnded, AgentJoined},
		{domain.StatePostProcessed, HumanLeft},
		{domain.StateFailed, AgentJoined},
		{domain.StateFailed, Fail},
		{domain.StateEnded, Fail},
		{domain.StateEnded, GraceExpired},
	}
	for _, tc := range cases {
		res := Next(tc.state, tc.trigger)
		assert.Equal(t, Stale, res.Outcome, "%s + %s", tc.state, tc.trigger)
		assert.Equal(t, tc.state, res.To)
	}
}

func TestIllegal(t *testing.T) {
	assert.Equal(t, Illegal, Next(domain.StateRequested, AgentJoined).Outcome)
	assert.Equal(t, Illegal, Next(domain.StateRoomProvisioned, PostProcessed).Outcome)
	assert.Equal(t, Illegal, Next(domain.StateActive, Trigger("bogus")).Outcome)
}

func TestFailFromAnyNonTerminal(t *testing.T) {
	for _, st := range []domain.CallState{
		domain.StateRequested, domain.StateRoomProvisioned, domain.StateAgentJoining,
		domain.StateActive, domain.StateEnding,
	} {
		s := &domain.CallSession{State: st}
		res := Apply(s, Fail, "provisioning_error", time.Now())
		assert.True(t, res.Changed(), string(st))
		assert.Equal(t, domain.StateFailed, s.State)
		assert.Equal(t, "provisioning_error", s.FailureReason)
		assert.NotNil(t, s.EndedAt)
	}
}

func TestFailedNeverMoves(t *testing.T) {
	s := &domain.CallSession{State: domain.StateFailed}
	for trig := range transitions {
		res := Apply(s, trig, "", time.Now())
		assert.False(t, res.Changed(), string(trig))
	}
	assert.Equal(t, domain.StateFailed, s.State)
}

func TestStopFromEarlyStates(t *testing.T) {
	for _, st := range []domain.CallState{domain.StateRoomProvisioned, domain.StateAgentJoining, domain.StateActive} {
		assert.Equal(t, domain.StateEnding, Next(st, StopRequested).To)
	}
	assert.Equal(t, Stale, Next(domain.StateEnding, StopRequested).Outcome)
}

func TestAgentLeft(t *testing.T) {
	assert.Equal(t, domain.StateEnding, Next(domain.StateActive, AgentLeft).To)
	assert.Equal(t, domain.StateEnded, Next(domain.StateEnding, AgentLeft).To)
}

func TestTriggersPostCall(t *testing.T) {
	assert.True(t, TriggersPostCall(domain.StateEnded))
	assert.True(t, TriggersPostCall(domain.StateFailed))
	assert.False(t, TriggersPostCall(domain.StatePostProcessed))
	assert.False(t, TriggersPostCall(domain.StateEnding))
}
