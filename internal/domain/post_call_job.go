package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobInProgress     JobStatus = "in_progress"
	JobSucceeded      JobStatus = "succeeded"
	JobFailedTerminal JobStatus = "failed_terminal"
)

// SessionSnapshot stores a CallSession as JSON on the job row so the job can run
// after the in-memory session is gone.
type SessionSnapshot struct {
	CallSession
}

func (s SessionSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s.CallSession)
}

func (s *SessionSnapshot) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SessionSnapshot", value)
	}
	return json.Unmarshal(raw, &s.CallSession)
}

// PostCallJob is the deferred finalization of one ended or failed session.
type PostCallJob struct {
	ID            string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID     string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_id"`
	Status        JobStatus       `gorm:"type:varchar(32);index;not null" json:"status"`
	AttemptCount  int             `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt time.Time       `gorm:"index" json:"next_attempt_at"`
	LastError     string          `gorm:"type:text" json:"last_error,omitempty"`
	Degraded      bool            `gorm:"not null;default:false" json:"degraded"`
	Snapshot      SessionSnapshot `gorm:"type:jsonb" json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func (PostCallJob) TableName() string {
	return "post_call_jobs"
}
