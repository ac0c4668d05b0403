package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niva-ai/niva-voice-service/internal/domain"
)

// MemoryStore keeps every repository in process. It backs STORE_BACKEND=memory and
// the orchestration tests.
type MemoryStore struct {
	mu       sync.Mutex
	courses  map[string]domain.Course
	agents   map[string]domain.Agent
	links    []domain.AgentCourse
	students map[string]domain.Student
	enrolled map[string]bool
	records  map[string]domain.CallRecord
	jobs     map[string]domain.PostCallJob
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:  make(map[string]domain.Course),
		agents:   make(map[string]domain.Agent),
		students: make(map[string]domain.Student),
		enrolled: make(map[string]bool),
		records:  make(map[string]domain.CallRecord),
		jobs:     make(map[string]domain.PostCallJob),
		now:      time.Now,
	}
}

// CatalogSeed is the file format accepted by LoadSeed.
type CatalogSeed struct {
	Courses []domain.Course      `json:"courses"`
	Agents  []domain.Agent       `json:"agents"`
	Links   []domain.AgentCourse `json:"links"`
}

// LoadSeed fills the catalog from a JSON file.
func (m *MemoryStore) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog seed: %w", err)
	}
	var seed CatalogSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse catalog seed: %w", err)
	}
	for _, c := range seed.Courses {
		m.AddCourse(c)
	}
	for _, a := range seed.Agents {
		m.AddAgent(a)
	}
	for _, l := range seed.Links {
		m.LinkAgent(l.AgentID, l.CourseID)
	}
	return nil
}

func (m *MemoryStore) AddCourse(c domain.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

func (m *MemoryStore) AddAgent(a domain.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *MemoryStore) LinkAgent(agentID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, domain.AgentCourse{AgentID: agentID, CourseID: courseID, CreatedAt: m.now()})
}

func (m *MemoryStore) CallRecords() CallRecordRepository { return m }
func (m *MemoryStore) Catalog() CatalogRepository        { return m }
func (m *MemoryStore) Students() StudentRepository       { return m }
func (m *MemoryStore) Jobs() JobRepository               { return memoryJobs{m} }
func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func (m *MemoryStore) Create(ctx context.Context, rec *domain.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.SessionID]; exists {
		return fmt.Errorf("failed to create call record: duplicate session_id %s", rec.SessionID)
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.SessionID] = *rec
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *domain.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.records[rec.SessionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.SessionID] = *rec
	return nil
}

func (m *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) (*domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, domain.NewNotFoundError("call record", sessionID)
	}
	return &rec, nil
}

// RecordCount is the number of persisted call records.
func (m *MemoryStore) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) GetActiveCourse(ctx context.Context, id string) (*domain.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok || !c.IsActive {
		return nil, domain.NewNotFoundError("course", id)
	}
	return &c, nil
}

func (m *MemoryStore) GetActiveAgent(ctx context.Context, id string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || !a.IsActive {
		return nil, domain.NewNotFoundError("agent", id)
	}
	return &a, nil
}

func (m *MemoryStore) AgentServesCourse(ctx context.Context, agentID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.AgentID == agentID && l.CourseID == courseID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DefaultAgentForCourse(ctx context.Context, courseID string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.CourseID != courseID {
			continue
		}
		if a, ok := m.agents[l.AgentID]; ok && a.IsActive {
			return &a, nil
		}
	}
	return nil, domain.NewNotFoundError("agent for course", courseID)
}

func (m *MemoryStore) ResolveByPhone(ctx context.Context, phone, courseID string) (*domain.Student, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return nil, domain.NewValidationError("phone_number", "is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[phone]
	if !ok {
		now := m.now()
		s = domain.Student{ID: uuid.New().String(), Name: domain.UnknownCallerName, PhoneNumber: phone, CreatedAt: now, UpdatedAt: now}
		m.students[phone] = s
	}
	if courseID != "" {
		m.enrolled[s.ID+"|"+courseID] = true
	}
	return &s, nil
}

// memoryJobs gives the job methods their own receiver so their names do not clash
// with the call record ones.
type memoryJobs struct {
	m *MemoryStore
}

func (j memoryJobs) CreateIfAbsent(ctx context.Context, job *domain.PostCallJob) (bool, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	if _, exists := j.m.jobs[job.SessionID]; exists {
		return false, nil
	}
	now := j.m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	j.m.jobs[job.SessionID] = cloneJob(*job)
	return true, nil
}

func (j memoryJobs) Get(ctx context.Context, sessionID string) (*domain.PostCallJob, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	job, ok := j.m.jobs[sessionID]
	if !ok {
		return nil, domain.NewNotFoundError("post-call job", sessionID)
	}
	out := cloneJob(job)
	return &out, nil
}

func (j memoryJobs) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.PostCallJob, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	var due []domain.PostCallJob
	for _, job := range j.m.jobs {
		if job.Status == domain.JobPending && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextAttemptAt.Before(due[b].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.PostCallJob, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobInProgress
		job.UpdatedAt = now
		j.m.jobs[job.SessionID] = job
		claimed := cloneJob(job)
		out = append(out, &claimed)
	}
	return out, nil
}

func (j memoryJobs) Claim(ctx context.Context, sessionID string) (*domain.PostCallJob, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	job, ok := j.m.jobs[sessionID]
	if !ok || job.Status != domain.JobPending {
		return nil, nil
	}
	job.Status = domain.JobInProgress
	job.UpdatedAt = j.m.now()
	j.m.jobs[sessionID] = job
	out := cloneJob(job)
	return &out, nil
}

func (j memoryJobs) Save(ctx context.Context, job *domain.PostCallJob) error {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	job.UpdatedAt = j.m.now()
	j.m.jobs[job.SessionID] = cloneJob(*job)
	return nil
}

func (j memoryJobs) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.PostCallJob, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	var out []*domain.PostCallJob
	for _, job := range j.m.jobs {
		if job.Status == status {
			c := cloneJob(job)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	return out, nil
}

func (j memoryJobs) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	counts := make(map[domain.JobStatus]int)
	for _, job := range j.m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (j memoryJobs) RequeueInProgress(ctx context.Context, claimedBefore time.Time) (int, error) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	n := 0
	for id, job := range j.m.jobs {
		if job.Status == domain.JobInProgress && job.UpdatedAt.Before(claimedBefore) {
			job.Status = domain.JobPending
			j.m.jobs[id] = job
			n++
		}
	}
	return n, nil
}

func cloneJob(job domain.PostCallJob) domain.PostCallJob {
	job.Snapshot = domain.SessionSnapshot{CallSession: job.Snapshot.Clone()}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}
