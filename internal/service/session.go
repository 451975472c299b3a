package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

type SessionStatus string

const (
	StatusCheckedOut SessionStatus = "checked-out"
	StatusCheckedIn  SessionStatus = "checked-in"
	// StatusPending is reserved; no transition leads to it yet.
	StatusPending SessionStatus = "pending"
)

// SessionState is what the display layer renders.
type SessionState struct {
	Status          SessionStatus `json:"status"`
	LastActionTime  *time.Time    `json:"last_action_time"`
	WithinGeofence  bool          `json:"within_geofence"`
	CurrentLocation *geo.Point    `json:"current_location"`
	LastFixAt       *time.Time    `json:"last_fix_at,omitempty"`
}

// Result is returned by a successful check-in or check-out. Warning is set
// when the record was stored with the sentinel location.
type Result struct {
	Record  *model.AttendanceRecord
	State   SessionState
	Warning error
}

// Session is one employee's attendance state for the current day. Actions on
// a session never overlap: a second action while one is in flight gets ErrBusy.
type Session struct {
	engine     *Engine
	employeeID string
	busy       atomic.Bool
	used       atomic.Int64

	mu     sync.Mutex
	day    string
	state  SessionState
	locErr error
	watch  *location.Subscription
	closed bool
}

func newSession(e *Engine, employeeID string) *Session {
	return &Session{
		engine:     e,
		employeeID: employeeID,
		state:      SessionState{Status: StatusCheckedOut},
	}
}

func (s *Session) EmployeeID() string {
	return s.employeeID
}

func (s *Session) touch(now time.Time) {
	s.used.Store(now.UnixNano())
}

func (s *Session) lastUsed() time.Time {
	return time.Unix(0, s.used.Load())
}

func (s *Session) dayKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.day
}

// State returns a copy of the current state. A session left over from an
// earlier day reads as checked out.
func (s *Session) State() SessionState {
	now := s.engine.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if s.day != clock.DateKey(now) {
		st.Status = StatusCheckedOut
		st.LastActionTime = nil
	}
	if st.LastFixAt == nil || now.Sub(*st.LastFixAt) > s.engine.opts.GateMaxAge {
		st.WithinGeofence = false
	}
	return st
}

// Refresh rebuilds the state from today's stored record.
func (s *Session) Refresh(ctx context.Context) error {
	date := clock.DateKey(s.engine.clock.Now())
	rec, err := s.engine.store.FindToday(ctx, s.employeeID, date)
	if err != nil {
		return fmt.Errorf("load today's attendance: %w", err)
	}
	status, last := stateFromRecord(rec)

	s.mu.Lock()
	s.day = date
	s.state.Status = status
	s.state.LastActionTime = last
	s.mu.Unlock()
	return nil
}

func stateFromRecord(rec *model.AttendanceRecord) (SessionStatus, *time.Time) {
	switch {
	case rec == nil:
		return StatusCheckedOut, nil
	case rec.CheckIn != nil && rec.CheckOut == nil:
		return StatusCheckedIn, rec.CheckIn
	case rec.CheckOut != nil:
		return StatusCheckedOut, rec.CheckOut
	default:
		return StatusCheckedOut, nil
	}
}

// RequestCheckIn records today's check-in. A second check-in on the same day
// updates the existing record instead of creating another one.
func (s *Session) RequestCheckIn(ctx context.Context) (*Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	if err := s.gate(); err != nil {
		return nil, err
	}

	e := s.engine
	now := e.clock.Now()
	date := clock.DateKey(now)

	rec, err := e.store.FindToday(ctx, s.employeeID, date)
	if err != nil {
		return nil, fmt.Errorf("check in: %w", err)
	}
	if rec != nil && rec.CheckOut != nil {
		return nil, ErrAlreadyCheckedOut
	}

	point, warning := s.acquire(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := model.AttendanceStatusPresent
	if rec == nil {
		rec = &model.AttendanceRecord{
			EmployeeID:      s.employeeID,
			Date:            date,
			CheckIn:         &now,
			Status:          status,
			LocationCheckIn: &point,
			LocationWarning: warning != nil,
		}
		if err := e.store.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("check in: %w", err)
		}
	} else {
		patch := model.AttendancePatch{
			CheckIn:         &now,
			Status:          &status,
			LocationCheckIn: &point,
			LocationWarning: ptr(warning != nil),
		}
		rec, err = e.store.Update(ctx, rec.ID, rec.Version, patch)
		if err != nil {
			return nil, fmt.Errorf("check in: %w", err)
		}
	}

	s.commit(StatusCheckedIn, now, date)
	e.notify(ctx, model.RecordChange{EmployeeID: s.employeeID, Date: date, Event: model.RecordEventCheckIn, Record: rec, Warning: warning})
	return &Result{Record: rec, State: s.State(), Warning: warning}, nil
}

// RequestCheckOut closes today's record.
func (s *Session) RequestCheckOut(ctx context.Context) (*Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	if err := s.gate(); err != nil {
		return nil, err
	}

	e := s.engine
	now := e.clock.Now()
	date := clock.DateKey(now)

	rec, err := e.store.FindToday(ctx, s.employeeID, date)
	if err != nil {
		return nil, fmt.Errorf("check out: %w", err)
	}
	if rec == nil || rec.CheckIn == nil {
		return nil, ErrNoCheckInRecord
	}
	if rec.CheckOut != nil {
		return nil, ErrAlreadyCheckedOut
	}
	if !now.After(*rec.CheckIn) {
		return nil, ErrCheckOutBeforeIn
	}

	point, warning := s.acquire(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patch := model.AttendancePatch{
		CheckOut:         &now,
		LocationCheckOut: &point,
		LocationWarning:  ptr(warning != nil || isSentinel(rec.LocationCheckIn)),
	}
	rec, err = e.store.Update(ctx, rec.ID, rec.Version, patch)
	if err != nil {
		return nil, fmt.Errorf("check out: %w", err)
	}

	s.commit(StatusCheckedOut, now, date)
	e.notify(ctx, model.RecordChange{EmployeeID: s.employeeID, Date: date, Event: model.RecordEventCheckOut, Record: rec, Warning: warning})
	return &Result{Record: rec, State: s.State(), Warning: warning}, nil
}

// RequestSelfieCapture attaches an already stored verification image to today's record.
func (s *Session) RequestSelfieCapture(ctx context.Context, ref string) (*model.AttendanceRecord, error) {
	if ref == "" {
		return nil, errors.New("empty verification reference")
	}
	return s.captureSelfie(ctx, func(context.Context) (string, error) { return ref, nil })
}

// RequestSelfieImage uploads data through the configured uploader and attaches it.
func (s *Session) RequestSelfieImage(ctx context.Context, filename string, data []byte) (*model.AttendanceRecord, error) {
	u := s.engine.uploader
	if u == nil {
		return nil, ErrNoUploader
	}
	return s.captureSelfie(ctx, func(ctx context.Context) (string, error) {
		return u.UploadVerificationImage(ctx, s.employeeID, filename, data)
	})
}

func (s *Session) captureSelfie(ctx context.Context, obtain func(context.Context) (string, error)) (*model.AttendanceRecord, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	if err := s.gate(); err != nil {
		return nil, err
	}

	e := s.engine
	date := clock.DateKey(e.clock.Now())
	rec, err := e.store.FindToday(ctx, s.employeeID, date)
	if err != nil {
		return nil, fmt.Errorf("selfie: %w", err)
	}
	if rec == nil {
		return nil, ErrNoActiveRecord
	}

	ref, err := obtain(ctx)
	if err != nil {
		return nil, fmt.Errorf("upload verification image: %w", err)
	}

	var patch model.AttendancePatch
	if s.State().Status == StatusCheckedIn {
		patch.SelfieCheckIn = &ref
	} else {
		patch.SelfieCheckOut = &ref
	}
	rec, err = e.store.Update(ctx, rec.ID, rec.Version, patch)
	if err != nil {
		return nil, fmt.Errorf("selfie: %w", err)
	}

	e.notify(ctx, model.RecordChange{EmployeeID: s.employeeID, Date: date, Event: model.RecordEventSelfie, Record: rec})
	return rec, nil
}

// gate requires a recent watched fix inside the zone.
func (s *Session) gate() error {
	now := s.engine.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locErr != nil {
		return s.locErr
	}
	if s.state.LastFixAt == nil || now.Sub(*s.state.LastFixAt) > s.engine.opts.GateMaxAge {
		return fmt.Errorf("%w: no recent fix", location.ErrLocationUnavailable)
	}
	if !s.state.WithinGeofence {
		return ErrOutOfRange
	}
	return nil
}

// acquire fetches the fix stored on the record. A location failure degrades
// to the sentinel point and is returned as the warning.
func (s *Session) acquire(ctx context.Context) (geo.Point, error) {
	e := s.engine
	fix, err := e.loc.CurrentPosition(ctx, s.employeeID, e.opts.FixTimeout, e.opts.FixMaxAge)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("WARN location for %s: %v; storing sentinel location", s.employeeID, err)
		}
		return geo.Unknown, err
	}
	return fix.Point, nil
}

func (s *Session) commit(status SessionStatus, at time.Time, date string) {
	s.mu.Lock()
	s.day = date
	s.state.Status = status
	s.state.LastActionTime = &at
	s.mu.Unlock()
}

// startWatch subscribes to the employee's fixes. A session already closed
// drops the new subscription.
func (s *Session) startWatch() {
	if f, ok := s.engine.loc.Latest(s.employeeID); ok {
		s.onFix(f)
	}
	sub := s.engine.loc.Watch(s.employeeID, s.onFix, s.onLocationError)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.watch = sub
	s.mu.Unlock()
}

func (s *Session) stopWatch() {
	s.mu.Lock()
	sub := s.watch
	s.watch = nil
	s.closed = true
	s.mu.Unlock()
	sub.Cancel()
}

func (s *Session) onFix(f location.Fix) {
	within := geo.IsWithinZone(f.Point, s.engine.opts.Zone)
	p, at := f.Point, f.At

	s.mu.Lock()
	s.state.CurrentLocation = &p
	s.state.LastFixAt = &at
	s.state.WithinGeofence = within
	s.locErr = nil
	s.mu.Unlock()
}

func (s *Session) onLocationError(err error) {
	log.Printf("WARN location watch %s: %v", s.employeeID, err)

	s.mu.Lock()
	s.state.CurrentLocation = nil
	s.state.LastFixAt = nil
	s.state.WithinGeofence = false
	s.locErr = err
	s.mu.Unlock()
}

func isSentinel(p *geo.Point) bool {
	return p != nil && *p == geo.Unknown
}

func ptr[T any](v T) *T {
	return &v
}
