package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
	"github.com/Travelintrips/attendance2-sub000/internal/store"
)

var (
	office  = geo.Zone{Name: "HQ", Center: geo.Point{Lat: -6.2, Lng: 106.816666}, RadiusMeters: 100}
	inside  = geo.Point{Lat: -6.2003, Lng: 106.8167}
	outside = geo.Point{Lat: -6.21, Lng: 106.816666}
	day1    = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
)

// memStore is an in-memory AttendanceStore with the same versioning rules as
// the real backends.
type memStore struct {
	mu      sync.Mutex
	records map[string]*model.AttendanceRecord
	nextID  int

	findErr      error
	insertErr    error
	updateErr    error
	findHook     func()
	beforeUpdate func(id string)
	inserts      int
	updates      int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*model.AttendanceRecord)}
}

func (m *memStore) FindToday(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error) {
	if m.findHook != nil {
		m.findHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.records {
		if r.EmployeeID == employeeID && r.Date == date {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Insert(ctx context.Context, record *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, r := range m.records {
		if r.EmployeeID == record.EmployeeID && r.Date == record.Date {
			return store.ErrConflict
		}
	}
	m.nextID++
	record.ID = fmt.Sprintf("rec-%d", m.nextID)
	record.Version = 1
	cp := *record
	m.records[record.ID] = &cp
	m.inserts++
	return nil
}

func (m *memStore) Update(ctx context.Context, id string, version int64, patch model.AttendancePatch) (*model.AttendanceRecord, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	r, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Version != version {
		return nil, store.ErrConflict
	}
	patch.Apply(r)
	r.Version++
	m.updates++
	cp := *r
	return &cp, nil
}

func (m *memStore) RecordsByDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	return m.RecordsByDateRange(ctx, date, date, "")
}

func (m *memStore) RecordsByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*model.AttendanceRecord
	for _, r := range m.records {
		if r.Date < from || r.Date > to || (employeeID != "" && r.EmployeeID != employeeID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date+out[i].EmployeeID < out[j].Date+out[j].EmployeeID })
	return out, nil
}

// put stores rec as is, bypassing the engine.
func (m *memStore) put(rec model.AttendanceRecord) *model.AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = fmt.Sprintf("rec-%d", m.nextID)
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.records[rec.ID] = &rec
	cp := rec
	return &cp
}

// bump simulates a write from another device.
func (m *memStore) bump(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.Version++
	}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memStore) only(t *testing.T) model.AttendanceRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) != 1 {
		t.Fatalf("records = %d, want 1", len(m.records))
	}
	for _, r := range m.records {
		return *r
	}
	panic("unreachable")
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []model.RecordChange
}

func (o *recordingObserver) OnRecordChanged(ctx context.Context, change model.RecordChange) {
	o.mu.Lock()
	o.changes = append(o.changes, change)
	o.mu.Unlock()
}

func (o *recordingObserver) events() []model.RecordEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.RecordEvent
	for _, c := range o.changes {
		out = append(out, c.Event)
	}
	return out
}

type fakeUploader struct {
	ref  string
	err  error
	got  []byte
	name string
}

func (u *fakeUploader) UploadVerificationImage(ctx context.Context, employeeID, filename string, data []byte) (string, error) {
	u.got = data
	u.name = filename
	return u.ref, u.err
}

type fixture struct {
	engine *Engine
	store  *memStore
	hub    *location.Hub
	clock  *clock.Fixed
	obs    *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		clock: clock.NewFixed(day1),
		obs:   &recordingObserver{},
	}
	f.hub = location.NewHub(f.clock)
	f.engine = NewEngine(f.store, f.hub, f.clock, Options{
		Zone:       office,
		FixTimeout: 50 * time.Millisecond,
	})
	f.engine.Subscribe(f.obs)
	t.Cleanup(func() {
		f.engine.Close()
		f.hub.Close()
	})
	return f
}

// open returns the session for id with a fresh fix at p.
func (f *fixture) open(t *testing.T, id string, p geo.Point) *Session {
	t.Helper()
	s, err := f.engine.OpenSession(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	f.fix(t, id, p)
	return s
}

func (f *fixture) fix(t *testing.T, id string, p geo.Point) {
	t.Helper()
	if err := f.hub.Publish(id, location.Fix{Point: p, Accuracy: 5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

// fakeMessenger records chat traffic.
type fakeMessenger struct {
	mu       sync.Mutex
	posts    []*mattermost.Post
	updates  map[string]*mattermost.Post
	dms      map[string][]string
	channels map[string]*mattermost.ChannelInfo
	byName   map[string]string
	nextID   int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		updates: make(map[string]*mattermost.Post),
		dms:     make(map[string][]string),
		channels: map[string]*mattermost.ChannelInfo{
			"ch-att": {ID: "ch-att", Name: "attendance-dev", TeamID: "team"},
		},
		byName: map[string]string{"team/attendance-approval-dev": "ch-approval"},
	}
}

func (m *fakeMessenger) CreatePost(post *mattermost.Post) (*mattermost.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *post
	cp.ID = fmt.Sprintf("post-%d", m.nextID)
	m.posts = append(m.posts, &cp)
	return &cp, nil
}

func (m *fakeMessenger) UpdatePost(postID string, post *mattermost.Post) (*mattermost.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *post
	cp.ID = postID
	m.updates[postID] = &cp
	return &cp, nil
}

func (m *fakeMessenger) GetChannel(channelID string) (*mattermost.ChannelInfo, error) {
	c, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("api error 404: channel %s", channelID)
	}
	return c, nil
}

func (m *fakeMessenger) GetChannelByName(teamID, channelName string) (string, error) {
	id, ok := m.byName[teamID+"/"+channelName]
	if !ok {
		return "", fmt.Errorf("api error 404: channel %s", channelName)
	}
	return id, nil
}

func (m *fakeMessenger) GetUser(userID string) (*mattermost.User, error) {
	return &mattermost.User{ID: userID, Username: "user-" + userID}, nil
}

func (m *fakeMessenger) SendDM(userID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dms[userID] = append(m.dms[userID], message)
	return nil
}

// memLeaveStore is an in-memory LeaveStore.
type memLeaveStore struct {
	mu     sync.Mutex
	reqs   map[string]*model.LeaveRequest
	nextID int
}

func newMemLeaveStore() *memLeaveStore {
	return &memLeaveStore{reqs: make(map[string]*model.LeaveRequest)}
}

func (s *memLeaveStore) Create(ctx context.Context, req *model.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	req.ID = fmt.Sprintf("leave-%d", s.nextID)
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *memLeaveStore) GetByID(ctx context.Context, id string) (*model.LeaveRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memLeaveStore) Update(ctx context.Context, req *model.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *memLeaveStore) ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.LeaveRequest
	for _, r := range s.reqs {
		if employeeID != "" && r.EmployeeID != employeeID {
			continue
		}
		for _, d := range r.Dates {
			if d >= from && d <= to {
				cp := *r
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}
