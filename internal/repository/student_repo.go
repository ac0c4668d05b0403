package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStudentRepository struct {
	db *gorm.DB
}

func NewGormStudentRepository(db *gorm.DB) *GormStudentRepository {
	return &GormStudentRepository{db: db}
}

// NormalizePhone strips formatting so the same number always maps to one student.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (r *GormStudentRepository) ResolveByPhone(ctx context.Context, phone, courseID string) (*domain.Student, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return nil, domain.NewValidationError("phone_number", "is empty")
	}

	var student domain.Student
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		placeholder := domain.Student{
			ID:          uuid.New().String(),
			Name:        domain.UnknownCallerName,
			PhoneNumber: phone,
		}
		// Concurrent resolutions of a new number race on the unique index; the loser
		// reads the winner's row.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return fmt.Errorf("failed to create student: %w", err)
		}
		if err := tx.First(&student, "phone_number = ?", phone).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFoundError("student", phone)
			}
			return fmt.Errorf("failed to get student: %w", err)
		}
		if courseID == "" {
			return nil
		}
		link := domain.StudentCourse{StudentID: student.ID, CourseID: courseID, CreatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return fmt.Errorf("failed to link student to course: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &student, nil
}
