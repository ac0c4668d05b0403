package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormJobRepository struct {
	db *gorm.DB
}

func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

func (r *GormJobRepository) CreateIfAbsent(ctx context.Context, job *domain.PostCallJob) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create post-call job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormJobRepository) Get(ctx context.Context, sessionID string) (*domain.PostCallJob, error) {
	var job domain.PostCallJob
	if err := r.db.WithContext(ctx).First(&job, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("post-call job", sessionID)
		}
		return nil, fmt.Errorf("failed to get post-call job: %w", err)
	}
	return &job, nil
}

// ClaimDue locks due rows with SKIP LOCKED so several instances can poll the same table.
func (r *GormJobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.PostCallJob, error) {
	var jobs []*domain.PostCallJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", domain.JobPending, now).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		ids := make([]string, len(jobs))
		for i, job := range jobs {
			ids[i] = job.ID
		}
		return tx.Model(&domain.PostCallJob{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": domain.JobInProgress, "updated_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim post-call jobs: %w", err)
	}
	for _, job := range jobs {
		job.Status = domain.JobInProgress
		job.UpdatedAt = now
	}
	return jobs, nil
}

func (r *GormJobRepository) Claim(ctx context.Context, sessionID string) (*domain.PostCallJob, error) {
	res := r.db.WithContext(ctx).Model(&domain.PostCallJob{}).
		Where("session_id = ? AND status = ?", sessionID, domain.JobPending).
		Updates(map[string]interface{}{"status": domain.JobInProgress, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim post-call job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.Get(ctx, sessionID)
}

func (r *GormJobRepository) Save(ctx context.Context, job *domain.PostCallJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("failed to save post-call job: %w", err)
	}
	return nil
}

func (r *GormJobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.PostCallJob, error) {
	var jobs []*domain.PostCallJob
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("updated_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list post-call jobs: %w", err)
	}
	return jobs, nil
}

func (r *GormJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status domain.JobStatus
		Count  int
	}
	err := r.db.WithContext(ctx).Model(&domain.PostCallJob{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count post-call jobs: %w", err)
	}
	counts := make(map[domain.JobStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *GormJobRepository) RequeueInProgress(ctx context.Context, claimedBefore time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&domain.PostCallJob{}).
		Where("status = ? AND updated_at < ?", domain.JobInProgress, claimedBefore).
		Updates(map[string]interface{}{"status": domain.JobPending, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue post-call jobs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
