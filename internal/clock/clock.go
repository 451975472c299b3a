package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies the current time in the office time zone.
type Clock interface {
	Now() time.Time
}

// Zoned is the wall clock pinned to a location.
type Zoned struct {
	loc *time.Location
}

func New(timezone string) (*Zoned, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Zoned{loc: loc}, nil
}

func (c *Zoned) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *Zoned) Location() *time.Location {
	return c.loc
}

// DateKey is the calendar day an attendance record belongs to (YYYY-MM-DD).
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// Display formats a timestamp for notifications.
func Display(t time.Time) string {
	return t.Format("15:04")
}

// Fixed always returns the same instant until advanced. Used by tests and tools.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
