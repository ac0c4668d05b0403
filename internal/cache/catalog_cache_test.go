package cache

import (
	"context"
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCatalog struct {
	repository.CatalogRepository
	courseCalls int
	linkCalls   int
}

func (c *countingCatalog) GetActiveCourse(ctx context.Context, id string) (*domain.Course, error) {
	c.courseCalls++
	return c.CatalogRepository.GetActiveCourse(ctx, id)
}

func (c *countingCatalog) AgentServesCourse(ctx context.Context, agentID, courseID string) (bool, error) {
	c.linkCalls++
	return c.CatalogRepository.AgentServesCourse(ctx, agentID, courseID)
}

func newCatalog() (*repository.MemoryStore, *countingCatalog) {
	m := repository.NewMemoryStore()
	m.AddCourse(domain.Course{ID: "C1", IsActive: true})
	m.AddAgent(domain.Agent{ID: "A1", IsActive: true})
	m.LinkAgent("A1", "C1")
	return m, &countingCatalog{CatalogRepository: m}
}

func TestCatalogCacheServesHitsUntilExpiry(t *testing.T) {
	ctx := context.Background()
	_, backing := newCatalog()
	c := NewCatalogCache(backing, time.Minute).(*CatalogCache)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		course, err := c.GetActiveCourse(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, "C1", course.ID)
	}
	assert.Equal(t, 1, backing.courseCalls)

	now = now.Add(2 * time.Minute)
	_, err := c.GetActiveCourse(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.courseCalls)
}

func TestCatalogCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	m, backing := newCatalog()
	c := NewCatalogCache(backing, time.Minute)

	_, err := c.GetActiveCourse(ctx, "C2")
	assert.True(t, domain.IsNotFound(err))
	served, err := c.AgentServesCourse(ctx, "A1", "C2")
	require.NoError(t, err)
	assert.False(t, served)

	m.AddCourse(domain.Course{ID: "C2", IsActive: true})
	m.LinkAgent("A1", "C2")

	_, err = c.GetActiveCourse(ctx, "C2")
	require.NoError(t, err)
	served, err = c.AgentServesCourse(ctx, "A1", "C2")
	require.NoError(t, err)
	assert.True(t, served)

	_, err = c.AgentServesCourse(ctx, "A1", "C2")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.linkCalls)
}

func TestCatalogCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	_, backing := newCatalog()
	c := NewCatalogCache(backing, time.Minute)

	first, err := c.GetActiveCourse(ctx, "C1")
	require.NoError(t, err)
	first.Name = "mutated"

	second, err := c.GetActiveCourse(ctx, "C1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second.Name)
}

func TestCatalogCacheDisabled(t *testing.T) {
	_, backing := newCatalog()
	assert.Same(t, backing, NewCatalogCache(backing, 0))
}
