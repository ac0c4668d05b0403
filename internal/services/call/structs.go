package call

import (
	"context"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/adapters/agentruntime"
	"github.com/niva-ai/niva-voice-service/internal/domain"
)

// StartCallRequest is the body of POST /calls/start.
type StartCallRequest struct {
	CourseID    string `json:"course_id"`
	AgentID     string `json:"agent_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// StartCallResponse carries the provisioning artifacts a client needs to join.
type StartCallResponse struct {
	SessionID   string `json:"session_id"`
	RoomURL     string `json:"room_url"`
	RoomToken   string `json:"room_token"`
	SIPEndpoint string `json:"sip_endpoint"`
}

type StopCallRequest struct {
	SessionID string `json:"session_id"`
}

type StopCallResponse struct {
	SessionID string `json:"session_id"`
	Stopped   bool   `json:"stopped"`
	// Forwarded is set when another instance owns the session.
	Forwarded bool             `json:"forwarded,omitempty"`
	State     domain.CallState `json:"state,omitempty"`
}

// CallSummary is one row of the active call listing.
type CallSummary struct {
	SessionID   string           `json:"session_id"`
	State       domain.CallState `json:"state"`
	CourseID    string           `json:"course_id"`
	AgentID     string           `json:"agent_id"`
	PhoneNumber string           `json:"phone_number,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func summarize(s domain.CallSession) CallSummary {
	return CallSummary{
		SessionID:   s.SessionID,
		State:       s.State,
		CourseID:    s.CourseID,
		AgentID:     s.AgentID,
		PhoneNumber: s.PhoneNumber,
		CreatedAt:   s.CreatedAt,
	}
}

// AgentRuntime starts and stops the agent that talks to the caller.
type AgentRuntime interface {
	Start(ctx context.Context, req agentruntime.StartRequest) error
	Stop(ctx context.Context, sessionID string) error
}

// Dialer places and ends PSTN legs bridged into a room.
type Dialer interface {
	IsEnabled() bool
	Dial(ctx context.Context, phoneNumber, sipEndpoint string) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// provisioned is what a successful provisioning handshake hands back.
type provisioned struct {
	roomName    string
	roomURL     string
	callerToken string
	agentToken  string
	sipEndpoint string
	recording   bool
	recordingID string
}
