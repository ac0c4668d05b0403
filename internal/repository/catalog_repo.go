package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"gorm.io/gorm"
)

type GormCatalogRepository struct {
	db *gorm.DB
}

func NewGormCatalogRepository(db *gorm.DB) *GormCatalogRepository {
	return &GormCatalogRepository{db: db}
}

func (r *GormCatalogRepository) GetActiveCourse(ctx context.Context, id string) (*domain.Course, error) {
	var course domain.Course
	if err := r.db.WithContext(ctx).First(&course, "id = ? AND is_active = ?", id, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("course", id)
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return &course, nil
}

func (r *GormCatalogRepository) GetActiveAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ? AND is_active = ?", id, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("agent", id)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (r *GormCatalogRepository) AgentServesCourse(ctx context.Context, agentID, courseID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.AgentCourse{}).
		Where("agent_id = ? AND course_id = ?", agentID, courseID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check agent course link: %w", err)
	}
	return count > 0, nil
}

func (r *GormCatalogRepository) DefaultAgentForCourse(ctx context.Context, courseID string) (*domain.Agent, error) {
	var agent domain.Agent
	err := r.db.WithContext(ctx).
		Joins("JOIN agent_courses ON agent_courses.agent_id = agents.id").
		Where("agent_courses.course_id = ? AND agents.is_active = ?", courseID, true).
		Order("agent_courses.created_at ASC").
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("agent for course", courseID)
		}
		return nil, fmt.Errorf("failed to get default agent: %w", err)
	}
	return &agent, nil
}
