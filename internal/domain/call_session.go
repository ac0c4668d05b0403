package domain

import "time"

// CallState is a node of the call lifecycle.
type CallState string

const (
	StateRequested       CallState = "REQUESTED"
	StateRoomProvisioned CallState = "ROOM_PROVISIONED"
	StateAgentJoining    CallState = "AGENT_JOINING"
	StateActive          CallState = "ACTIVE"
	StateEnding          CallState = "ENDING"
	StateEnded           CallState = "ENDED"
	StatePostProcessed   CallState = "POST_PROCESSED"
	StateFailed          CallState = "FAILED"
)

// IsTerminal reports whether the call is over. ENDED still admits the single
// post-processing transition.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateEnded, StateFailed, StatePostProcessed:
		return true
	}
	return false
}

// Metadata keys written by provisioning and webhooks.
const (
	MetaRoomName         = "room_name"
	MetaAgentIdentity    = "agent_identity"
	MetaDirection        = "direction"
	MetaProvider         = "provider"
	MetaRecordingID      = "recording_id"
	MetaRecordingURL     = "recording_url"
	MetaRecordingSeconds = "recording_duration_seconds"
	MetaHumanJoinedAt    = "human_joined_at"
	MetaHumanLeftAt      = "human_left_at"
	MetaAgentJoinedAt    = "agent_joined_at"
	MetaRoomCreatedAt    = "room_created_at"
	MetaRecordingError   = "recording_error"
	MetaEndingAt         = "ending_at"

	// MetaRecordingExpected is "true" when the room was created with recording on.
	MetaRecordingExpected = "recording_expected"
)

// CallSession is one orchestrated call. Values handed out by the registry are copies.
type CallSession struct {
	SessionID     string     `json:"session_id"`
	CallID        string     `json:"call_id,omitempty"`
	CallSID       string     `json:"call_sid,omitempty"`
	CourseID      string     `json:"course_id"`
	AgentID       string     `json:"agent_id"`
	RoomURL       string     `json:"room_url,omitempty"`
	RoomToken     string     `json:"room_token,omitempty"`
	SIPEndpoint   string     `json:"sip_endpoint,omitempty"`
	PhoneNumber   string     `json:"phone_number,omitempty"`
	State         CallState  `json:"state"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
}

func (s *CallSession) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

func (s *CallSession) SetMeta(key, value string) {
	if value == "" {
		return
	}
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	s.Metadata[key] = value
}

// RoomName is the provider room the session was provisioned into.
func (s *CallSession) RoomName() string {
	return s.Meta(MetaRoomName)
}

// AgentIdentity is the participant identity issued to the agent runtime.
func (s *CallSession) AgentIdentity() string {
	return s.Meta(MetaAgentIdentity)
}

// Duration is measured from creation to ended_at, or zero while the call is live.
func (s *CallSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.CreatedAt)
}

// Clone returns a copy that shares no mutable state with s.
func (s *CallSession) Clone() CallSession {
	out := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	if s.Metadata != nil {
		out.Metadata = make(Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
