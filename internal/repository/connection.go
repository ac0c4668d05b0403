package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const connectTimeout = 10 * time.Second

// models lists every table the service owns, parents first.
var models = []interface{}{
	&domain.Course{},
	&domain.Agent{},
	&domain.AgentCourse{},
	&domain.Student{},
	&domain.StudentCourse{},
	&domain.CallRecord{},
	&domain.PostCallJob{},
}

// Open connects to Postgres and sizes the pool. Slow queries are logged through zap.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.New(logger.NewGORMWriter(), gormlogger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// AutoMigrate creates or updates the tables in models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(models...)
}

// NewRepositoryManager connects, pings and optionally migrates the database.
func NewRepositoryManager(ctx context.Context, cfg config.DatabaseConfig) (*GormRepositoryManager, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	manager := NewGormRepositoryManager(db)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := manager.Ping(pingCtx); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("failed to run auto migration: %w", err)
		}
		logger.Base().Info("Database schema migrated", zap.Int("tables", len(models)))
	}
	return manager, nil
}
