// Package location collects position fixes pushed by employee devices and
// hands them out as one-shot reads or continuous watches.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
)

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrLocationTimeout     = errors.New("location timeout")
	ErrPermissionDenied    = errors.New("location permission denied")
)

// Fix is a single position report from a device.
type Fix struct {
	Point    geo.Point `json:"point"`
	Accuracy float64   `json:"accuracy_m"`
	At       time.Time `json:"at"`
}

// Hub keeps the latest fix per employee and fans new fixes out to watchers.
type Hub struct {
	clock clock.Clock

	mu     sync.Mutex
	latest map[string]Fix
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub(c clock.Clock) *Hub {
	return &Hub{
		clock:  c,
		latest: make(map[string]Fix),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is a live watch on one employee's fixes.
type Subscription struct {
	hub        *Hub
	employeeID string
	onUpdate   func(Fix)
	onError    func(error)
	cancelled  atomic.Bool
}

// Cancel stops further callbacks. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.hub.remove(s)
}

func (s *Subscription) update(f Fix) {
	if !s.cancelled.Load() && s.onUpdate != nil {
		s.onUpdate(f)
	}
}

func (s *Subscription) fail(err error) {
	if !s.cancelled.Load() && s.onError != nil {
		s.onError(err)
	}
}

// Publish records a fix and notifies watchers. The latest fix is the last one
// received; a device timestamp in the future is clamped to the receive time.
func (h *Hub) Publish(employeeID string, f Fix) error {
	if err := f.Point.Validate(); err != nil {
		return err
	}
	if now := h.clock.Now(); f.At.IsZero() || f.At.After(now) {
		f.At = now
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrLocationUnavailable
	}
	h.latest[employeeID] = f
	subs := h.snapshotLocked(employeeID)
	h.mu.Unlock()

	for _, s := range subs {
		s.update(f)
	}
	return nil
}

// Deny reports that the device refused location access.
func (h *Hub) Deny(employeeID string) {
	h.mu.Lock()
	delete(h.latest, employeeID)
	subs := h.snapshotLocked(employeeID)
	h.mu.Unlock()

	for _, s := range subs {
		s.fail(ErrPermissionDenied)
	}
}

// Latest returns the most recent fix for the employee, if any.
func (h *Hub) Latest(employeeID string) (Fix, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.latest[employeeID]
	return f, ok
}

// Watch invokes onUpdate for every new fix until the subscription is cancelled.
// onError receives ErrPermissionDenied or ErrLocationUnavailable.
func (h *Hub) Watch(employeeID string, onUpdate func(Fix), onError func(error)) *Subscription {
	s := &Subscription{hub: h, employeeID: employeeID, onUpdate: onUpdate, onError: onError}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.fail(ErrLocationUnavailable)
		s.cancelled.Store(true)
		return s
	}
	set, ok := h.subs[employeeID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[employeeID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// CurrentPosition returns a fix no older than maxAge, waiting up to timeout
// for a new one when the cached fix is stale.
func (h *Hub) CurrentPosition(ctx context.Context, employeeID string, timeout, maxAge time.Duration) (Fix, error) {
	fresh := func(f Fix) bool {
		return h.clock.Now().Sub(f.At) <= maxAge
	}

	if f, ok := h.Latest(employeeID); ok && fresh(f) {
		return f, nil
	}

	fixes := make(chan Fix, 1)
	errs := make(chan error, 1)
	sub := h.Watch(employeeID,
		func(f Fix) {
			if !fresh(f) {
				return
			}
			select {
			case fixes <- f:
			default:
			}
		},
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	)
	defer sub.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-fixes:
		return f, nil
	case err := <-errs:
		return Fix{}, err
	case <-timer.C:
		return Fix{}, fmt.Errorf("%w: no fix for %s within %s", ErrLocationTimeout, employeeID, timeout)
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}

// Close fails every open watch with ErrLocationUnavailable.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for id := range h.subs {
		all = append(all, h.snapshotLocked(id)...)
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.fail(ErrLocationUnavailable)
		s.cancelled.Store(true)
	}
}

// Watchers returns the number of live watches on the employee.
func (h *Hub) Watchers(employeeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[employeeID])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.employeeID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.employeeID)
		}
	}
}

func (h *Hub) snapshotLocked(employeeID string) []*Subscription {
	set := h.subs[employeeID]
	out := make([]*Subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
