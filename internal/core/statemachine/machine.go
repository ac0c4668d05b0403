// Package statemachine holds the call lifecycle transition table. It has no I/O and
// no locking; callers apply it under the registry's per-session lock.
package statemachine

import (
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
)

// Trigger is something that happened to a call.
type Trigger string

const (
	Provisioned         Trigger = "provisioned"
	AgentStartRequested Trigger = "agent_start_requested"
	AgentJoined         Trigger = "agent_joined"
	HumanLeft           Trigger = "human_left"
	StopRequested       Trigger = "stop_requested"
	AgentLeft           Trigger = "agent_left"
	AgentStopped        Trigger = "agent_stopped"
	GraceExpired        Trigger = "grace_expired"
	PostProcessed       Trigger = "post_processed"
	Fail                Trigger = "fail"
)

// Outcome classifies an attempted transition.
type Outcome int

const (
	// Applied means the state changed.
	Applied Outcome = iota
	// Stale means the session is already at or past where the trigger leads.
	Stale
	// Illegal means the trigger makes no sense from the current state.
	Illegal
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return "illegal"
	}
}

var transitions = map[Trigger]map[domain.CallState]domain.CallState{
	Provisioned: {
		domain.StateRequested: domain.StateRoomProvisioned,
	},
	AgentStartRequested: {
		domain.StateRoomProvisioned: domain.StateAgentJoining,
	},
	AgentJoined: {
		domain.StateAgentJoining: domain.StateActive,
	},
	HumanLeft: {
		domain.StateAgentJoining: domain.StateEnding,
		domain.StateActive:       domain.StateEnding,
	},
	StopRequested: {
		domain.StateRoomProvisioned: domain.StateEnding,
		domain.StateAgentJoining:    domain.StateEnding,
		domain.StateActive:          domain.StateEnding,
	},
	AgentLeft: {
		domain.StateActive: domain.StateEnding,
		domain.StateEnding: domain.StateEnded,
	},
	AgentStopped: {
		domain.StateEnding: domain.StateEnded,
	},
	GraceExpired: {
		domain.StateEnding: domain.StateEnded,
	},
	PostProcessed: {
		domain.StateEnded: domain.StatePostProcessed,
	},
}

var rank = map[domain.CallState]int{
	domain.StateRequested:       0,
	domain.StateRoomProvisioned: 1,
	domain.StateAgentJoining:    2,
	domain.StateActive:          3,
	domain.StateEnding:          4,
	domain.StateEnded:           5,
	domain.StatePostProcessed:   6,
	domain.StateFailed:          7,
}

// Result describes one evaluation of the table.
type Result struct {
	Trigger Trigger
	From    domain.CallState
	To      domain.CallState
	Outcome Outcome
}

func (r Result) Changed() bool {
	return r.Outcome == Applied
}

// Next evaluates trigger against current without mutating anything.
func Next(current domain.CallState, trigger Trigger) Result {
	res := Result{Trigger: trigger, From: current, To: current}

	if trigger == Fail {
		if current.IsTerminal() {
			res.Outcome = Stale
			return res
		}
		res.To = domain.StateFailed
		res.Outcome = Applied
		return res
	}

	rows, ok := transitions[trigger]
	if !ok {
		res.Outcome = Illegal
		return res
	}
	if to, ok := rows[current]; ok {
		res.To = to
		res.Outcome = Applied
		return res
	}

	lowest := -1
	for _, to := range rows {
		if r := rank[to]; lowest == -1 || r < lowest {
			lowest = r
		}
	}
	if rank[current] >= lowest {
		res.Outcome = Stale
	} else {
		res.Outcome = Illegal
	}
	return res
}

// Apply fires trigger on session. On change it stamps updated_at, sets ended_at the
// first time the call becomes terminal, and records reason for failures.
func Apply(session *domain.CallSession, trigger Trigger, reason string, now time.Time) Result {
	res := Next(session.State, trigger)
	if !res.Changed() {
		return res
	}

	session.State = res.To
	session.UpdatedAt = now
	if res.To == domain.StateEnding && session.Meta(domain.MetaEndingAt) == "" {
		session.SetMeta(domain.MetaEndingAt, now.UTC().Format(time.RFC3339Nano))
	}
	if res.To == domain.StateFailed && reason != "" {
		session.FailureReason = reason
	}
	if res.To.IsTerminal() && session.EndedAt == nil {
		ended := now
		session.EndedAt = &ended
	}
	return res
}

// TriggersPostCall reports whether entering state must schedule post-call processing.
func TriggersPostCall(state domain.CallState) bool {
	return state == domain.StateEnded || state == domain.StateFailed
}
