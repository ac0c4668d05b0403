package domain

import "time"

// CallRecord is the durable history of a call, one row per session.
type CallRecord struct {
	SessionID       string     `gorm:"type:varchar(64);primaryKey" json:"session_id"`
	CallSID         *string    `gorm:"type:varchar(64);uniqueIndex" json:"call_sid,omitempty"`
	CourseID        string     `gorm:"type:varchar(64);index;not null" json:"course_id"`
	AgentID         string     `gorm:"type:varchar(64);index;not null" json:"agent_id"`
	StudentID       *string    `gorm:"type:varchar(64);index" json:"student_id,omitempty"`
	PhoneNumber     string     `gorm:"type:varchar(32)" json:"phone_number,omitempty"`
	Direction       string     `gorm:"type:varchar(16)" json:"direction"`
	RoomName        string     `gorm:"type:varchar(255)" json:"room_name"`
	RoomURL         string     `gorm:"type:text" json:"room_url"`
	Status          string     `gorm:"type:varchar(32);index;not null" json:"status"`
	FinalState      string     `gorm:"type:varchar(32)" json:"final_state,omitempty"`
	FailureReason   string     `gorm:"type:text" json:"failure_reason,omitempty"`
	RecordingID     string     `gorm:"type:varchar(128)" json:"recording_id,omitempty"`
	RecordingURL    string     `gorm:"type:text" json:"recording_url,omitempty"`
	HasRecording    bool       `gorm:"not null;default:false" json:"has_recording"`
	DurationSeconds int        `gorm:"not null;default:0" json:"duration_seconds"`
	ArchiveURI      string     `gorm:"type:text" json:"archive_uri,omitempty"`
	Metadata        Metadata   `gorm:"type:jsonb" json:"metadata,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

type Course struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Course) TableName() string {
	return "courses"
}

type Agent struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// AgentCourse links an agent to a course it may serve.
type AgentCourse struct {
	AgentID   string    `gorm:"type:varchar(64);primaryKey" json:"agent_id"`
	CourseID  string    `gorm:"type:varchar(64);primaryKey" json:"course_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (AgentCourse) TableName() string {
	return "agent_courses"
}

type Student struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	PhoneNumber string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"phone_number"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Student) TableName() string {
	return "students"
}

type StudentCourse struct {
	StudentID string `gorm:"type:varchar(64);primaryKey"`
	CourseID  string `gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time
}

func (StudentCourse) TableName() string {
	return "student_courses"
}

// UnknownCallerName is used for students created from an unrecognized phone number.
const UnknownCallerName = "Unknown Caller"
