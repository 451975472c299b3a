package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
	"github.com/Travelintrips/attendance2-sub000/internal/service"
	"github.com/Travelintrips/attendance2-sub000/internal/store"
)

var (
	office  = geo.Zone{Name: "HQ", Center: geo.Point{Lat: -6.2, Lng: 106.816666}, RadiusMeters: 100}
	inside  = geo.Point{Lat: -6.2003, Lng: 106.8167}
	outside = geo.Point{Lat: -6.21, Lng: 106.816666}
)

type memStore struct {
	mu      sync.Mutex
	records []*model.AttendanceRecord
}

func (m *memStore) FindToday(ctx context.Context, employeeID, date string) (*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EmployeeID == employeeID && r.Date == date {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Insert(ctx context.Context, rec *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = fmt.Sprintf("rec-%d", len(m.records)+1)
	rec.Version = 1
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) Update(ctx context.Context, id string, version int64, patch model.AttendancePatch) (*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID != id {
			continue
		}
		if r.Version != version {
			return nil, store.ErrConflict
		}
		patch.Apply(r)
		r.Version++
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) RecordsByDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	return m.RecordsByDateRange(ctx, date, date, "")
}

func (m *memStore) RecordsByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AttendanceRecord
	for _, r := range m.records {
		if r.Date >= from && r.Date <= to && (employeeID == "" || r.EmployeeID == employeeID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type noLeaves struct{}

func (noLeaves) ByDateRange(ctx context.Context, from, to, employeeID string) ([]*model.LeaveRequest, error) {
	return nil, nil
}

// chatStub stands in for the Mattermost REST API.
type chatStub struct {
	mu      sync.Mutex
	posts   []mattermost.Post
	dialogs []mattermost.DialogRequest
	uploads int
}

func (c *chatStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mattermost.User{ID: r.PathValue("id"), Username: "alice", Locale: "en"})
	})
	mux.HandleFunc("POST /api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var p mattermost.Post
		json.NewDecoder(r.Body).Decode(&p)
		c.mu.Lock()
		p.ID = fmt.Sprintf("post-%d", len(c.posts)+1)
		c.posts = append(c.posts, p)
		c.mu.Unlock()
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("POST /api/v4/actions/dialogs/open", func(w http.ResponseWriter, r *http.Request) {
		var d mattermost.DialogRequest
		json.NewDecoder(r.Body).Decode(&d)
		c.mu.Lock()
		c.dialogs = append(c.dialogs, d)
		c.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /api/v4/files", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.uploads++
		n := c.uploads
		c.mu.Unlock()
		fmt.Fprintf(w, `{"file_infos":[{"id":"file-%d"}]}`, n)
	})
	return mux
}

type testServer struct {
	mux    *http.ServeMux
	clock  *clock.Fixed
	hub    *location.Hub
	engine *service.Engine
	store  *memStore
	chat   *chatStub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	i18n.Init("en")

	ts := &testServer{
		clock: clock.NewFixed(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)),
		store: &memStore{},
		chat:  &chatStub{},
	}
	chatSrv := httptest.NewServer(ts.chat.handler())
	t.Cleanup(chatSrv.Close)
	mm := mattermost.NewClient(chatSrv.URL, "token")

	ts.hub = location.NewHub(ts.clock)
	engine := service.NewEngine(ts.store, ts.hub, ts.clock, service.Options{Zone: office, FixTimeout: 50 * time.Millisecond})
	ts.engine = engine
	notifier := mattermost.NewNotifier(mm, "ch-att")
	engine.Subscribe(notifier)
	engine.SetUploader(notifier)
	t.Cleanup(func() {
		engine.Close()
		ts.hub.Close()
	})

	reports := service.NewReportService(ts.store, noLeaves{})
	ts.mux = http.NewServeMux()
	NewAttendanceHandler(engine, ts.hub, nil, reports, mm, "http://bot").RegisterRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) push(t *testing.T, id string, p geo.Point) StatusResponse {
	t.Helper()
	rr := ts.do(t, "POST", "/api/attendance/location", LocationReport{EmployeeID: id, Latitude: p.Lat, Longitude: p.Lng, Accuracy: 5})
	if rr.Code != http.StatusOK {
		t.Fatalf("location push: %d %s", rr.Code, rr.Body)
	}
	var st StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body, err)
	}
	return e
}

func TestLocationAndStatus(t *testing.T) {
	ts := newTestServer(t)

	st := ts.push(t, "emp1", inside)
	if !st.State.WithinGeofence || st.State.Status != service.StatusCheckedOut {
		t.Errorf("state after inside fix = %+v", st.State)
	}
	if st.Zone.Name != "HQ" || st.Date != "2024-03-04" {
		t.Errorf("zone/date = %s/%s", st.Zone.Name, st.Date)
	}

	st = ts.push(t, "emp1", outside)
	if st.State.WithinGeofence {
		t.Error("outside fix reported within geofence")
	}

	rr := ts.do(t, "GET", "/api/attendance/status?employee_id=emp1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}

	if rr := ts.do(t, "GET", "/api/attendance/status", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("missing employee_id: %d", rr.Code)
	}
	rr = ts.do(t, "POST", "/api/attendance/location", LocationReport{EmployeeID: "emp1", Latitude: 91})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid latitude: %d", rr.Code)
	}
}

func TestCheckInCheckOutFlow(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"employee_id": "emp1"}

	rr := ts.do(t, "POST", "/api/attendance/checkout", body)
	if rr.Code != http.StatusUnprocessableEntity && rr.Code != http.StatusServiceUnavailable {
		t.Errorf("checkout without fix: %d", rr.Code)
	}

	ts.push(t, "emp1", outside)
	rr = ts.do(t, "POST", "/api/attendance/checkin", body)
	if rr.Code != http.StatusUnprocessableEntity || decodeError(t, rr).Error != "out_of_range" {
		t.Fatalf("checkin outside: %d %s", rr.Code, rr.Body)
	}
	if msg := decodeError(t, rr).Message; !strings.Contains(msg, "HQ") {
		t.Errorf("out of range message %q does not name the zone", msg)
	}

	ts.push(t, "emp1", inside)
	rr = ts.do(t, "POST", "/api/attendance/checkout", body)
	if rr.Code != http.StatusConflict || decodeError(t, rr).Error != "no_checkin_record" {
		t.Fatalf("checkout before checkin: %d %s", rr.Code, rr.Body)
	}

	rr = ts.do(t, "POST", "/api/attendance/checkin", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkin: %d %s", rr.Code, rr.Body)
	}
	var st StatusResponse
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.State.Status != service.StatusCheckedIn || st.Record == nil || st.Record.CheckIn == nil {
		t.Errorf("checkin response = %+v", st)
	}

	rr = ts.do(t, "POST", "/api/attendance/checkout", body)
	if rr.Code != http.StatusConflict || decodeError(t, rr).Error != "checkout_before_checkin" {
		t.Fatalf("checkout at checkin time: %d %s", rr.Code, rr.Body)
	}

	ts.clock.Advance(8 * time.Hour)
	ts.push(t, "emp1", inside)
	rr = ts.do(t, "POST", "/api/attendance/checkout", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkout: %d %s", rr.Code, rr.Body)
	}

	ts.chat.mu.Lock()
	posts := len(ts.chat.posts)
	ts.chat.mu.Unlock()
	if posts != 2 {
		t.Errorf("notifications posted = %d, want 2", posts)
	}
}

func TestCheckInBadRequest(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, "POST", "/api/attendance/checkin", map[string]string{})
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Error != "invalid_request" {
		t.Errorf("got %d %s", rr.Code, rr.Body)
	}
}

func TestCheckInFromChatButton(t *testing.T) {
	ts := newTestServer(t)
	ts.push(t, "u1", inside)

	rr := ts.do(t, "POST", "/api/attendance/checkin", ActionRequest{UserID: "u1", UserName: "alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	var resp ActionResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if !strings.Contains(resp.EphemeralText, "alice") || !strings.Contains(resp.EphemeralText, "08:00") {
		t.Errorf("ephemeral = %q", resp.EphemeralText)
	}

	// Errors from chat buttons are still 200 so Mattermost shows the text.
	rr = ts.do(t, "POST", "/api/attendance/checkout", ActionRequest{UserID: "u1", UserName: "alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.EphemeralText == "" {
		t.Error("expected an error message")
	}
}

func selfieRequest(t *testing.T, employeeID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("employee_id", employeeID)
	fw, err := mw.CreateFormFile("image", "me.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte{0xff, 0xd8, 0xff})
	mw.Close()

	req := httptest.NewRequest("POST", "/api/attendance/selfie", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSelfieUpload(t *testing.T) {
	ts := newTestServer(t)
	ts.push(t, "emp1", inside)

	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, selfieRequest(t, "emp1"))
	if rr.Code != http.StatusConflict || decodeError(t, rr).Error != "no_active_record" {
		t.Fatalf("selfie before checkin: %d %s", rr.Code, rr.Body)
	}

	if rr := ts.do(t, "POST", "/api/attendance/checkin", map[string]string{"employee_id": "emp1"}); rr.Code != http.StatusOK {
		t.Fatalf("checkin: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, selfieRequest(t, "emp1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("selfie: %d %s", rr.Code, rr.Body)
	}
	var st StatusResponse
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.Record == nil || st.Record.SelfieCheckIn != "file-1" {
		t.Errorf("record = %+v", st.Record)
	}
}

func TestSelfieButtonOpensDialog(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, "POST", "/api/attendance/selfie", ActionRequest{UserID: "u1", TriggerID: "trig"})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	ts.chat.mu.Lock()
	defer ts.chat.mu.Unlock()
	if len(ts.chat.dialogs) != 1 {
		t.Fatalf("dialogs = %d", len(ts.chat.dialogs))
	}
	d := ts.chat.dialogs[0]
	if d.TriggerID != "trig" || d.URL != "http://bot/api/attendance/selfie-submit" || d.Dialog.Elements[0].Type != "file" {
		t.Errorf("dialog = %+v", d)
	}
}

func TestSlashCommand(t *testing.T) {
	ts := newTestServer(t)

	post := func(channel, user string) SlashResponse {
		form := url.Values{"channel_name": {channel}, "user_id": {user}}
		req := httptest.NewRequest("POST", "/api/attendance", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, req)
		var resp SlashResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		return resp
	}

	if resp := post("random", "u1"); resp.Text == "" || len(resp.Attachments) != 0 {
		t.Errorf("wrong channel response = %+v", resp)
	}
	if resp := post("attendance-dev", ""); len(resp.Attachments) != 2 {
		t.Errorf("no user response = %+v", resp)
	}
	if n := ts.engine.Sessions(); n != 0 {
		t.Fatalf("sessions after command without user = %d, want 0", n)
	}
	resp := post("attendance-dev", "u1")
	if len(resp.Attachments) != 2 || len(resp.Attachments[0].Actions) != 3 {
		t.Fatalf("attachments = %+v", resp.Attachments)
	}
	if !strings.Contains(resp.Attachments[0].Text, "HQ") {
		t.Errorf("title = %q", resp.Attachments[0].Text)
	}
}

func TestReportAndStats(t *testing.T) {
	ts := newTestServer(t)
	ts.push(t, "emp1", inside)
	ts.do(t, "POST", "/api/attendance/checkin", map[string]string{"employee_id": "emp1"})

	rr := ts.do(t, "GET", "/api/attendance/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", rr.Code, rr.Body)
	}
	var stats service.Stats
	json.Unmarshal(rr.Body.Bytes(), &stats)
	if stats.Present != 1 || stats.StillCheckedIn != 1 || stats.Date != "2024-03-04" {
		t.Errorf("stats = %+v", stats)
	}

	rr = ts.do(t, "GET", "/api/attendance/report?from=2024-03-01&to=2024-03-04&employee_id=emp1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report: %d", rr.Code)
	}
	var rep service.Report
	json.Unmarshal(rr.Body.Bytes(), &rep)
	if len(rep.Records) != 1 {
		t.Errorf("report records = %d", len(rep.Records))
	}

	if rr := ts.do(t, "GET", "/api/attendance/report?from=2024-03-05&to=2024-03-01", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("reversed range: %d", rr.Code)
	}
}

func TestLoggingMiddlewareRequestID(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("no request id assigned")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("request id = %q, want abc", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrBusy, http.StatusTooManyRequests, "busy"},
		{fmt.Errorf("check out: %w", store.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("x: %w", location.ErrPermissionDenied), http.StatusForbidden, "permission_denied"},
		{service.ErrLeaveNotFound, http.StatusNotFound, "leave_not_found"},
		{fmt.Errorf("find: %w", fmt.Errorf("socket closed")), http.StatusBadGateway, "store"},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		if status != tt.status || errorCode(tt.err) != tt.code {
			t.Errorf("classify(%v) = %d/%s, want %d/%s", tt.err, status, errorCode(tt.err), tt.status, tt.code)
		}
	}
}

func TestCloseSessionRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.push(t, "emp1", inside)
	if n := ts.hub.Watchers("emp1"); n != 1 {
		t.Fatalf("watchers = %d, want 1", n)
	}

	if rr := ts.do(t, "DELETE", "/api/attendance/session?employee_id=emp1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("close: %d %s", rr.Code, rr.Body)
	}
	if n := ts.hub.Watchers("emp1"); n != 0 {
		t.Errorf("watchers after close = %d, want 0", n)
	}
	if n := ts.engine.Sessions(); n != 0 {
		t.Errorf("sessions after close = %d, want 0", n)
	}
	if rr := ts.do(t, "DELETE", "/api/attendance/session", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("missing employee_id: %d", rr.Code)
	}
}
