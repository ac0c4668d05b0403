package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+14155550100", NormalizePhone(" +1 (415) 555-0100 "))
	assert.Equal(t, "4155550100", NormalizePhone("415.555.0100"))
	assert.Equal(t, "", NormalizePhone("  "))
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.AddCourse(domain.Course{ID: "C1", IsActive: true})
	m.AddCourse(domain.Course{ID: "C2", IsActive: false})
	m.AddAgent(domain.Agent{ID: "A0", IsActive: false})
	m.AddAgent(domain.Agent{ID: "A1", IsActive: true})
	m.LinkAgent("A0", "C1")
	m.LinkAgent("A1", "C1")

	_, err := m.GetActiveCourse(ctx, "C1")
	require.NoError(t, err)
	_, err = m.GetActiveCourse(ctx, "C2")
	assert.True(t, domain.IsNotFound(err))

	agent, err := m.DefaultAgentForCourse(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "A1", agent.ID)

	ok, err := m.AgentServesCourse(ctx, "A1", "C2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryResolveByPhoneIsStable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, err := m.ResolveByPhone(ctx, "+1 415 555 0100", "C1")
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownCallerName, first.Name)

	second, err := m.ResolveByPhone(ctx, "+14155550100", "C2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = m.ResolveByPhone(ctx, "", "C1")
	assert.True(t, domain.IsValidation(err))
}

func TestMemoryJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	jobs := m.Jobs()
	now := time.Now()

	created, err := jobs.CreateIfAbsent(ctx, &domain.PostCallJob{ID: "j1", SessionID: "s1", Status: domain.JobPending, NextAttemptAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = jobs.CreateIfAbsent(ctx, &domain.PostCallJob{ID: "j2", SessionID: "s1", Status: domain.JobPending})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = jobs.CreateIfAbsent(ctx, &domain.PostCallJob{ID: "j3", SessionID: "s2", Status: domain.JobPending, NextAttemptAt: now.Add(time.Hour)})
	require.NoError(t, err)

	due, err := jobs.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "s1", due[0].SessionID)
	assert.Equal(t, domain.JobInProgress, due[0].Status)

	again, err := jobs.Claim(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, again)

	kicked, err := jobs.Claim(ctx, "s2")
	require.NoError(t, err)
	require.NotNil(t, kicked)

	n, err := jobs.RequeueInProgress(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "recently claimed jobs may still be running")

	n, err = jobs.RequeueInProgress(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.JobPending])
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"courses":[{"id":"C1","name":"Algebra","is_active":true}],
		"agents":[{"id":"A1","name":"Tutor","is_active":true}],
		"links":[{"agent_id":"A1","course_id":"C1"}]
	}`), 0o600))

	m := NewMemoryStore()
	require.NoError(t, m.LoadSeed(path))
	agent, err := m.DefaultAgentForCourse(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "A1", agent.ID)
}
