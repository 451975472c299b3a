package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

// OpenPostgres opens the relational backend with retry and migrates the schema.
func OpenPostgres(dsn string, attempts int, delay time.Duration) (*gorm.DB, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err == nil {
			if err := db.AutoMigrate(&model.AttendanceRecord{}, &model.LeaveRequest{}); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Printf("Connected to PostgreSQL (attempt %d)", i)
			return db, nil
		}

		lastErr = err
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("db connect failed after %d attempts: %w", attempts, lastErr)
}

// PostgresAttendanceStore is the relational rendition of the attendance table:
// employee_id, date, check_in/check_out timestamptz, status text, jsonb locations.
type PostgresAttendanceStore struct {
	db *gorm.DB
}

func NewPostgresAttendanceStore(db *gorm.DB) *PostgresAttendanceStore {
	return &PostgresAttendanceStore{db: db}
}

func (s *PostgresAttendanceStore) FindToday(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND date = ?", employeeID, date).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find attendance", err)
	}
	return &record, nil
}

func (s *PostgresAttendanceStore) Insert(ctx context.Context, record *model.AttendanceRecord) error {
	record.ID = uuid.NewString()
	record.Version = 1
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		record.ID = ""
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return wrap("insert attendance", ErrConflict)
		}
		return wrap("insert attendance", err)
	}
	return nil
}

func (s *PostgresAttendanceStore) Update(ctx context.Context, id string, version int64, patch model.AttendancePatch) (*model.AttendanceRecord, error) {
	row := model.AttendanceRecord{ID: id, Version: version + 1, UpdatedAt: time.Now()}
	patch.Apply(&row)
	columns := append(patch.Columns(), "version", "updated_at")

	var out model.AttendanceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&row).
			Where("version = ?", version).
			Select(columns).
			Updates(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.AttendanceRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return tx.Where("id = ?", id).Take(&out).Error
	})
	if err != nil {
		return nil, wrap("update attendance", err)
	}
	return &out, nil
}

func (s *PostgresAttendanceStore) RecordsByDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	var out []*model.AttendanceRecord
	if err := s.db.WithContext(ctx).Where("date = ?", date).Order("employee_id").Find(&out).Error; err != nil {
		return nil, wrap("find attendance", err)
	}
	return out, nil
}

func (s *PostgresAttendanceStore) RecordsByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.AttendanceRecord, error) {
	q := s.db.WithContext(ctx).Where("date >= ? AND date <= ?", from, to)
	if employeeID != "" {
		q = q.Where("employee_id = ?", employeeID)
	}
	var out []*model.AttendanceRecord
	if err := q.Order("date, employee_id").Find(&out).Error; err != nil {
		return nil, wrap("find attendance", err)
	}
	return out, nil
}

type PostgresLeaveStore struct {
	db *gorm.DB
}

func NewPostgresLeaveStore(db *gorm.DB) *PostgresLeaveStore {
	return &PostgresLeaveStore{db: db}
}

func (s *PostgresLeaveStore) Create(ctx context.Context, req *model.LeaveRequest) error {
	req.ID = uuid.NewString()
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		req.ID = ""
		return wrap("insert leave request", err)
	}
	return nil
}

func (s *PostgresLeaveStore) GetByID(ctx context.Context, id string) (*model.LeaveRequest, error) {
	var req model.LeaveRequest
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find leave request", err)
	}
	return &req, nil
}

func (s *PostgresLeaveStore) Update(ctx context.Context, req *model.LeaveRequest) error {
	return wrap("update leave request", s.db.WithContext(ctx).Save(req).Error)
}

func (s *PostgresLeaveStore) ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error) {
	q := s.db.WithContext(ctx).Where(
		"EXISTS (SELECT 1 FROM jsonb_array_elements_text(dates) d WHERE d >= ? AND d <= ?)", from, to)
	if employeeID != "" {
		q = q.Where("employee_id = ?", employeeID)
	}
	var out []*model.LeaveRequest
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("find leave requests", err)
	}
	return out, nil
}
