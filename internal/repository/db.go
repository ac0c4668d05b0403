package repository

import (
	"context"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"gorm.io/gorm"
)

// CallRecordRepository persists the durable history of calls.
type CallRecordRepository interface {
	// Create inserts the in-progress record written when a call starts.
	Create(ctx context.Context, rec *domain.CallRecord) error
	// Upsert writes the record keyed by session_id, replacing any earlier version.
	Upsert(ctx context.Context, rec *domain.CallRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.CallRecord, error)
}

// CatalogRepository answers course and agent existence questions.
type CatalogRepository interface {
	GetActiveCourse(ctx context.Context, id string) (*domain.Course, error)
	GetActiveAgent(ctx context.Context, id string) (*domain.Agent, error)
	AgentServesCourse(ctx context.Context, agentID, courseID string) (bool, error)
	// DefaultAgentForCourse is the oldest active agent linked to the course.
	DefaultAgentForCourse(ctx context.Context, courseID string) (*domain.Agent, error)
}

type StudentRepository interface {
	// ResolveByPhone finds the student owning phone, creating an Unknown Caller
	// placeholder when there is none, and links the student to courseID.
	ResolveByPhone(ctx context.Context, phone, courseID string) (*domain.Student, error)
}

// JobRepository stores post-call jobs. One job exists per session.
type JobRepository interface {
	// CreateIfAbsent inserts job unless the session already has one.
	CreateIfAbsent(ctx context.Context, job *domain.PostCallJob) (bool, error)
	Get(ctx context.Context, sessionID string) (*domain.PostCallJob, error)
	// ClaimDue moves up to limit pending jobs whose next attempt is due to in_progress.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.PostCallJob, error)
	// Claim moves one pending job to in_progress regardless of its schedule. It
	// returns nil when the job is missing or not pending.
	Claim(ctx context.Context, sessionID string) (*domain.PostCallJob, error)
	Save(ctx context.Context, job *domain.PostCallJob) error
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.PostCallJob, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	// RequeueInProgress returns in_progress jobs last touched before claimedBefore
	// to pending. Jobs claimed more recently may still be running elsewhere.
	RequeueInProgress(ctx context.Context, claimedBefore time.Time) (int, error)
}

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallRecords() CallRecordRepository
	Catalog() CatalogRepository
	Students() StudentRepository
	Jobs() JobRepository

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db          *gorm.DB
	callRecords *GormCallRecordRepository
	catalog     *GormCatalogRepository
	students    *GormStudentRepository
	jobs        *GormJobRepository
}

func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:          db,
		callRecords: NewGormCallRecordRepository(db),
		catalog:     NewGormCatalogRepository(db),
		students:    NewGormStudentRepository(db),
		jobs:        NewGormJobRepository(db),
	}
}

func (m *GormRepositoryManager) CallRecords() CallRecordRepository {
	return m.callRecords
}

func (m *GormRepositoryManager) Catalog() CatalogRepository {
	return m.catalog
}

func (m *GormRepositoryManager) Students() StudentRepository {
	return m.students
}

func (m *GormRepositoryManager) Jobs() JobRepository {
	return m.jobs
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
