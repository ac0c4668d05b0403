package task

import (
	"context"
	"time"
)

type TaskType string

const (
	// TaskTypePostCallKick asks whichever instance claims the job to run it now
	// instead of waiting for its scheduled attempt.
	TaskTypePostCallKick TaskType = "postcall_kick"
	// TaskTypePostCallDone tells the instance holding the session that another
	// instance finished its job. Reason carries the job status.
	TaskTypePostCallDone TaskType = "postcall_done"
)

// SessionTask is work about one session broadcast to every instance. Target,
// when set, is the only instance that should act on it.
type SessionTask struct {
	Type      TaskType  `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Target    string    `json:"target,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// For reports whether the task is addressed to instanceID.
func (t SessionTask) For(instanceID string) bool {
	return t.Target == "" || t.Target == instanceID
}

// Bus fans session tasks out across instances. Delivery is best effort; every
// task has a slower fallback path.
type Bus interface {
	Publish(ctx context.Context, task SessionTask) error
	Subscribe(ctx context.Context, handler func(SessionTask)) error
}
