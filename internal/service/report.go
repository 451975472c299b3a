package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

type RecordReader interface {
	RecordsByDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error)
	RecordsByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.AttendanceRecord, error)
}

type LeaveReader interface {
	ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error)
}

type ReportService struct {
	records RecordReader
	leaves  LeaveReader
}

func NewReportService(records RecordReader, leaves LeaveReader) *ReportService {
	return &ReportService{records: records, leaves: leaves}
}

// Report is attendance over a date range.
type Report struct {
	From          string                         `json:"from"`
	To            string                         `json:"to"`
	EmployeeID    string                         `json:"employee_id,omitempty"`
	Records       []*model.AttendanceRecord      `json:"records"`
	Leaves        []*model.LeaveRequest          `json:"leaves"`
	ByStatus      map[model.AttendanceStatus]int `json:"by_status"`
	WorkedMinutes map[string]int64               `json:"worked_minutes"` // per employee, closed days only
}

// Stats is a one-day summary.
type Stats struct {
	Date             string `json:"date"`
	Present          int    `json:"present"`
	Late             int    `json:"late"`
	Absent           int    `json:"absent"`
	OnLeave          int    `json:"on_leave"`
	StillCheckedIn   int    `json:"still_checked_in"`
	CheckedOut       int    `json:"checked_out"`
	LocationWarnings int    `json:"location_warnings"`
	PendingLeave     int    `json:"pending_leave"`
}

func (s *ReportService) Report(ctx context.Context, from, to, employeeID string) (*Report, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	records, err := s.records.RecordsByDateRange(ctx, from, to, employeeID)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	leaves, err := s.leaves.ByDateRange(ctx, from, to, employeeID)
	if err != nil {
		return nil, fmt.Errorf("load leave requests: %w", err)
	}

	r := &Report{
		From:          from,
		To:            to,
		EmployeeID:    employeeID,
		Records:       records,
		Leaves:        leaves,
		ByStatus:      make(map[model.AttendanceStatus]int),
		WorkedMinutes: make(map[string]int64),
	}
	for _, rec := range records {
		r.ByStatus[rec.Status]++
		if rec.CheckIn != nil && rec.CheckOut != nil {
			r.WorkedMinutes[rec.EmployeeID] += int64(rec.CheckOut.Sub(*rec.CheckIn) / time.Minute)
		}
	}
	return r, nil
}

func (s *ReportService) Stats(ctx context.Context, date string) (*Stats, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDates, date)
	}
	records, err := s.records.RecordsByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	leaves, err := s.leaves.ByDateRange(ctx, date, date, "")
	if err != nil {
		return nil, fmt.Errorf("load leave requests: %w", err)
	}

	st := &Stats{Date: date}
	for _, rec := range records {
		switch rec.Status {
		case model.AttendanceStatusPresent:
			st.Present++
		case model.AttendanceStatusLate:
			st.Late++
		case model.AttendanceStatusAbsent:
			st.Absent++
		case model.AttendanceStatusLeave:
			st.OnLeave++
		}
		if rec.CheckIn != nil {
			if rec.CheckOut == nil {
				st.StillCheckedIn++
			} else {
				st.CheckedOut++
			}
		}
		if rec.LocationWarning {
			st.LocationWarnings++
		}
	}
	for _, l := range leaves {
		if l.Status == model.LeaveStatusPending {
			st.PendingLeave++
		}
	}
	return st, nil
}

func validateRange(from, to string) error {
	f, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return fmt.Errorf("%w: from %q", ErrInvalidDates, from)
	}
	t, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return fmt.Errorf("%w: to %q", ErrInvalidDates, to)
	}
	if t.Before(f) {
		return fmt.Errorf("%w: %s is before %s", ErrInvalidDates, to, from)
	}
	return nil
}
