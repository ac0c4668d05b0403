package cache

import (
	"context"
	"sync"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// CatalogCache is a read-through cache in front of a CatalogRepository. Only
// successful lookups are cached, so a course or agent added to the catalog is
// visible on the next call. Deactivations take up to ttl to show.
type CatalogCache struct {
	next repository.CatalogRepository
	ttl  time.Duration
	now  func() time.Time

	mutex    sync.RWMutex
	courses  map[string]entry[domain.Course]
	agents   map[string]entry[domain.Agent]
	defaults map[string]entry[domain.Agent] // course_id -> default agent
	links    map[string]entry[bool]         // agent_id/course_id -> served
}

// NewCatalogCache wraps next. A non-positive ttl returns next unchanged.
func NewCatalogCache(next repository.CatalogRepository, ttl time.Duration) repository.CatalogRepository {
	if ttl <= 0 {
		return next
	}
	logger.Base().Info("Catalog cache enabled", zap.Duration("ttl", ttl))
	return &CatalogCache{
		next:     next,
		ttl:      ttl,
		now:      time.Now,
		courses:  make(map[string]entry[domain.Course]),
		agents:   make(map[string]entry[domain.Agent]),
		defaults: make(map[string]entry[domain.Agent]),
		links:    make(map[string]entry[bool]),
	}
}

func lookup[T any](c *CatalogCache, m map[string]entry[T], key string) (T, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := m[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func store[T any](c *CatalogCache, m map[string]entry[T], key string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	m[key] = entry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
}

func (c *CatalogCache) GetActiveCourse(ctx context.Context, id string) (*domain.Course, error) {
	if course, ok := lookup(c, c.courses, id); ok {
		return &course, nil
	}
	course, err := c.next.GetActiveCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	store(c, c.courses, id, *course)
	return course, nil
}

func (c *CatalogCache) GetActiveAgent(ctx context.Context, id string) (*domain.Agent, error) {
	if agent, ok := lookup(c, c.agents, id); ok {
		return &agent, nil
	}
	agent, err := c.next.GetActiveAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	store(c, c.agents, id, *agent)
	return agent, nil
}

func (c *CatalogCache) AgentServesCourse(ctx context.Context, agentID, courseID string) (bool, error) {
	key := agentID + "/" + courseID
	if served, ok := lookup(c, c.links, key); ok && served {
		return true, nil
	}
	served, err := c.next.AgentServesCourse(ctx, agentID, courseID)
	if err != nil {
		return false, err
	}
	if served {
		store(c, c.links, key, true)
	}
	return served, nil
}

func (c *CatalogCache) DefaultAgentForCourse(ctx context.Context, courseID string) (*domain.Agent, error) {
	if agent, ok := lookup(c, c.defaults, courseID); ok {
		return &agent, nil
	}
	agent, err := c.next.DefaultAgentForCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	store(c, c.defaults, courseID, *agent)
	return agent, nil
}

// Invalidate drops every cached entry.
func (c *CatalogCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clear(c.courses)
	clear(c.agents)
	clear(c.defaults)
	clear(c.links)
}

var _ repository.CatalogRepository = (*CatalogCache)(nil)
