package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/niva-ai/niva-voice-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormCallRecordRepository struct {
	db *gorm.DB
}

func NewGormCallRecordRepository(db *gorm.DB) *GormCallRecordRepository {
	return &GormCallRecordRepository{db: db}
}

func (r *GormCallRecordRepository) Create(ctx context.Context, rec *domain.CallRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// Upsert relies on the session_id primary key, so retried finalization converges
// on one row.
func (r *GormCallRecordRepository) Upsert(ctx context.Context, rec *domain.CallRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert call record: %w", err)
	}
	return nil
}

func (r *GormCallRecordRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := r.db.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("call record", sessionID)
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &rec, nil
}
