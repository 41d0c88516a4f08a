// Package store owns the GORM/Postgres connection, schema migration, and the
// log-persistence repository, adapted from the teacher's pkg/database.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/latoulicious/guildmix/internal/model"
)

// Open opens a GORM/Postgres connection using the given DSN.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate creates the uuid-ossp extension and auto-migrates every model
// the orchestrator persists.
func Migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return fmt.Errorf("failed to create uuid-ossp extension: %w", err)
	}

	return db.AutoMigrate(
		&model.VideoCacheEntry{},
		&model.SearchStringEntry{},
		&model.Playlist{},
		&model.PlaylistItem{},
		&model.GuildAnalytics{},
		&LogRow{},
	)
}

// LogRow is the persisted shape of one log entry, mirroring the teacher's
// AudioLog table.
type LogRow struct {
	ID        uuid.UUID              `gorm:"primaryKey"`
	Component string                 `gorm:"index;not null"`
	Level     string                 `gorm:"index;not null"`
	Message   string                 `gorm:"type:text;not null"`
	Error     string                 `gorm:"type:text"`
	Fields    map[string]interface{} `gorm:"serializer:json"`
	Timestamp time.Time              `gorm:"index;not null"`
}

// TableName pins the GORM table name for LogRow.
func (LogRow) TableName() string { return "service_logs" }

// GormLogRepository implements logging.LogRepository against the store.
type GormLogRepository struct {
	db *gorm.DB
}

// NewGormLogRepository creates a GormLogRepository.
func NewGormLogRepository(db *gorm.DB) *GormLogRepository {
	return &GormLogRepository{db: db}
}

// SaveLog persists one log entry.
func (r *GormLogRepository) SaveLog(component, level, message, errText string, fields map[string]interface{}) error {
	row := LogRow{
		ID:        uuid.New(),
		Component: component,
		Level:     level,
		Message:   message,
		Error:     errText,
		Fields:    fields,
		Timestamp: time.Now(),
	}
	return r.db.Create(&row).Error
}
