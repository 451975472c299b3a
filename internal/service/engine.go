package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

var (
	ErrOutOfRange        = errors.New("outside the authorized zone")
	ErrNoCheckInRecord   = errors.New("no check-in record for today")
	ErrNoActiveRecord    = errors.New("no attendance record for today")
	ErrAlreadyCheckedOut = errors.New("already checked out today")
	ErrCheckOutBeforeIn  = errors.New("check-out must be later than check-in")
	ErrBusy              = errors.New("another attendance action is in progress")
	ErrNoUploader        = errors.New("verification upload is not configured")
	ErrNoEmployee        = errors.New("employee id is required")
)

// AttendanceStore persists one record per (employee, date). FindToday returns
// nil, nil when no record exists. Update is conditional on version.
type AttendanceStore interface {
	FindToday(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error)
	Insert(ctx context.Context, record *model.AttendanceRecord) error
	Update(ctx context.Context, id string, version int64, patch model.AttendancePatch) (*model.AttendanceRecord, error)
}

type LocationProvider interface {
	CurrentPosition(ctx context.Context, employeeID string, timeout, maxAge time.Duration) (location.Fix, error)
	Watch(employeeID string, onUpdate func(location.Fix), onError func(error)) *location.Subscription
	Latest(employeeID string) (location.Fix, bool)
}

// RecordObserver is told about every record the engine wrote.
type RecordObserver interface {
	OnRecordChanged(ctx context.Context, change model.RecordChange)
}

// VerificationUploader stores a verification image and returns a reference to it.
type VerificationUploader interface {
	UploadVerificationImage(ctx context.Context, employeeID, filename string, data []byte) (string, error)
}

type Options struct {
	Zone geo.Zone
	// GateMaxAge bounds how old the watched fix may be when it gates an action.
	GateMaxAge time.Duration
	// FixTimeout and FixMaxAge govern the one-shot fix stored on the record.
	FixTimeout time.Duration
	FixMaxAge  time.Duration
	// SessionIdle is how long an unused session keeps its location watch.
	SessionIdle time.Duration
}

func (o *Options) setDefaults() {
	if o.GateMaxAge <= 0 {
		o.GateMaxAge = 2 * time.Minute
	}
	if o.FixTimeout <= 0 {
		o.FixTimeout = 10 * time.Second
	}
	if o.FixMaxAge <= 0 {
		o.FixMaxAge = 30 * time.Second
	}
	if o.SessionIdle <= 0 {
		o.SessionIdle = 30 * time.Minute
	}
}

// Engine owns the attendance sessions of all employees.
type Engine struct {
	store    AttendanceStore
	loc      LocationProvider
	clock    clock.Clock
	uploader VerificationUploader
	opts     Options

	mu        sync.Mutex
	sessions  map[string]*Session
	observers []RecordObserver
}

func NewEngine(store AttendanceStore, loc LocationProvider, c clock.Clock, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		store:    store,
		loc:      loc,
		clock:    c,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

func (e *Engine) Zone() geo.Zone {
	return e.opts.Zone
}

func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// SetUploader enables RequestSelfieImage.
func (e *Engine) SetUploader(u VerificationUploader) {
	e.uploader = u
}

func (e *Engine) Subscribe(o RecordObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// OpenSession returns the employee's session, creating it from today's record
// and starting its location watch on first use.
func (e *Engine) OpenSession(ctx context.Context, employeeID string) (*Session, error) {
	if employeeID == "" {
		return nil, ErrNoEmployee
	}
	now := e.clock.Now()

	e.mu.Lock()
	if s, ok := e.sessions[employeeID]; ok {
		e.mu.Unlock()
		s.touch(now)
		return s, nil
	}
	e.mu.Unlock()

	s := newSession(e, employeeID)
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.touch(now)

	e.mu.Lock()
	if existing, ok := e.sessions[employeeID]; ok {
		e.mu.Unlock()
		existing.touch(now)
		return existing, nil
	}
	e.sessions[employeeID] = s
	e.mu.Unlock()

	s.startWatch()
	return s, nil
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// EvictIdle closes sessions not opened within the idle window, and sessions
// left over from an earlier day. Sessions with an action in flight are kept.
func (e *Engine) EvictIdle() int {
	now := e.clock.Now()
	today := clock.DateKey(now)

	var evicted []*Session
	e.mu.Lock()
	for id, s := range e.sessions {
		if s.busy.Load() {
			continue
		}
		if now.Sub(s.lastUsed()) > e.opts.SessionIdle || s.dayKey() != today {
			delete(e.sessions, id)
			evicted = append(evicted, s)
		}
	}
	e.mu.Unlock()

	for _, s := range evicted {
		s.stopWatch()
	}
	return len(evicted)
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (e *Engine) RunEviction(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := e.EvictIdle(); n > 0 {
				log.Printf("INFO closed %d idle attendance sessions", n)
			}
		}
	}
}

// CloseSession releases the employee's session and its location watch.
func (e *Engine) CloseSession(employeeID string) {
	e.mu.Lock()
	s, ok := e.sessions[employeeID]
	delete(e.sessions, employeeID)
	e.mu.Unlock()
	if ok {
		s.stopWatch()
	}
}

// Close releases every open session.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()
	for _, s := range sessions {
		s.stopWatch()
	}
}

// HandleExternalChange refreshes an open session after its record was changed
// elsewhere (another device, an administrator).
func (e *Engine) HandleExternalChange(ctx context.Context, employeeID, date string) {
	e.mu.Lock()
	s, ok := e.sessions[employeeID]
	e.mu.Unlock()
	if !ok || date != clock.DateKey(e.clock.Now()) || s.busy.Load() {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		log.Printf("ERROR refresh session %s after change: %v", employeeID, err)
	}
}

func (e *Engine) notify(ctx context.Context, change model.RecordChange) {
	e.mu.Lock()
	observers := append([]RecordObserver(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range observers {
		o.OnRecordChanged(ctx, change)
	}
}

// MarkLeave sets the employee's record for date to the leave status, creating
// it when absent. A day that already has a check-in is left alone.
func (e *Engine) MarkLeave(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error) {
	rec, err := e.store.FindToday(ctx, employeeID, date)
	if err != nil {
		return nil, fmt.Errorf("mark leave: %w", err)
	}
	switch {
	case rec == nil:
		rec = &model.AttendanceRecord{EmployeeID: employeeID, Date: date, Status: model.AttendanceStatusLeave}
		if err := e.store.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("mark leave: %w", err)
		}
	case rec.CheckIn != nil:
		log.Printf("WARN %s already checked in on %s, not marking leave", employeeID, date)
		return rec, nil
	case rec.Status == model.AttendanceStatusLeave:
		return rec, nil
	default:
		rec, err = e.store.Update(ctx, rec.ID, rec.Version, model.AttendancePatch{Status: ptr(model.AttendanceStatusLeave)})
		if err != nil {
			return nil, fmt.Errorf("mark leave: %w", err)
		}
	}

	e.notify(ctx, model.RecordChange{EmployeeID: employeeID, Date: date, Event: model.RecordEventLeave, Record: rec})
	return rec, nil
}
