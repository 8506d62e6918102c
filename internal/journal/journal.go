// Package journal persists the lifecycle of evidence uploads in SQLite so that
// failed or retained folders can be inspected after a reboot.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/NoSleep-Drive/embedded/internal/evidence"
)

// UploadRecord is one evidence folder as seen by the coordinator
type UploadRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	JobKey    string    `gorm:"column:job_key;index" json:"job_key"`
	DeviceUID string    `gorm:"column:device_uid" json:"device_uid"`
	Folder    string    `gorm:"column:folder" json:"folder"`
	Status    string    `gorm:"column:status;index" json:"status"`
	Attempts  int       `gorm:"column:attempts" json:"attempts"`
	LastError string    `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (*UploadRecord) TableName() string {
	return "upload_records"
}

// Store is a gorm-backed evidence.Recorder
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the journal database at path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(filepath.Clean(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// single writer for sqlite
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access journal pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&UploadRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	return &Store{db: db}, nil
}

// Record implements evidence.Recorder.
// Queued opens a new row; later events update the newest open row for the key.
func (s *Store) Record(e evidence.Event) {
	if err := s.record(e); err != nil {
		slog.Warn("failed to write upload journal",
			"folder", e.Job.FolderPath,
			"state", e.State,
			"error", err,
		)
	}
}

func (s *Store) record(e evidence.Event) error {
	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}

	if e.State == evidence.StateQueued || e.State == evidence.StateDuplicate {
		return s.db.Create(&UploadRecord{
			JobKey:    e.Job.Key(),
			DeviceUID: e.Job.DeviceUID,
			Folder:    e.Job.FolderPath,
			Status:    string(e.State),
			CreatedAt: e.At,
			UpdatedAt: e.At,
		}).Error
	}

	var rec UploadRecord
	err := s.db.
		Where("job_key = ? AND status IN ?", e.Job.Key(), []string{string(evidence.StateQueued), string(evidence.StateDispatched)}).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// events from an Uploader used without a coordinator
		return s.db.Create(&UploadRecord{
			JobKey:    e.Job.Key(),
			DeviceUID: e.Job.DeviceUID,
			Folder:    e.Job.FolderPath,
			Status:    string(e.State),
			Attempts:  e.Attempts,
			LastError: errText,
			CreatedAt: e.At,
			UpdatedAt: e.At,
		}).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":     string(e.State),
		"updated_at": e.At,
	}
	if e.Attempts > 0 {
		updates["attempts"] = e.Attempts
	}
	if errText != "" {
		updates["last_error"] = errText
	}
	return s.db.Model(&rec).Updates(updates).Error
}

// Recent returns the newest records, newest first
func (s *Store) Recent(limit int) ([]UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []UploadRecord
	err := s.db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ByStatus returns records in the given state, oldest first
func (s *Store) ByStatus(status evidence.State) ([]UploadRecord, error) {
	var out []UploadRecord
	err := s.db.Where("status = ?", string(status)).Order("id ASC").Find(&out).Error
	return out, err
}

// Close releases the database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
