package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
	"github.com/Travelintrips/attendance2-sub000/internal/geo"
	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
	"github.com/Travelintrips/attendance2-sub000/internal/service"
)

const maxSelfieBytes = 8 << 20

type AttendanceHandler struct {
	engine  *service.Engine
	hub     *location.Hub
	leave   *service.LeaveService
	reports *service.ReportService
	mm      *mattermost.Client
	botURL  string
}

func NewAttendanceHandler(engine *service.Engine, hub *location.Hub, leave *service.LeaveService, reports *service.ReportService, mm *mattermost.Client, botURL string) *AttendanceHandler {
	return &AttendanceHandler{engine: engine, hub: hub, leave: leave, reports: reports, mm: mm, botURL: botURL}
}

// SlashCommand is the Mattermost slash command request.
type SlashCommand struct {
	Token       string `json:"token" schema:"token"`
	TeamID      string `json:"team_id" schema:"team_id"`
	ChannelID   string `json:"channel_id" schema:"channel_id"`
	ChannelName string `json:"channel_name" schema:"channel_name"`
	UserID      string `json:"user_id" schema:"user_id"`
	UserName    string `json:"user_name" schema:"user_name"`
	Command     string `json:"command" schema:"command"`
	Text        string `json:"text" schema:"text"`
	TriggerID   string `json:"trigger_id" schema:"trigger_id"`
	ResponseURL string `json:"response_url" schema:"response_url"`
}

// ActionRequest is the Mattermost interactive action request.
type ActionRequest struct {
	UserID    string         `json:"user_id"`
	UserName  string         `json:"user_name"`
	ChannelID string         `json:"channel_id"`
	PostID    string         `json:"post_id"`
	TriggerID string         `json:"trigger_id"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
}

// DialogSubmission is the Mattermost dialog submission.
type DialogSubmission struct {
	Type       string            `json:"type"`
	CallbackID string            `json:"callback_id"`
	UserID     string            `json:"user_id"`
	UserName   string            `json:"user_name"`
	ChannelID  string            `json:"channel_id"`
	TeamID     string            `json:"team_id"`
	Submission map[string]string `json:"submission"`
	Cancelled  bool              `json:"cancelled"`
}

// SlashResponse is the response to a slash command.
type SlashResponse struct {
	ResponseType string                  `json:"response_type"` // "ephemeral" or "in_channel"
	Text         string                  `json:"text,omitempty"`
	Attachments  []mattermost.Attachment `json:"attachments,omitempty"`
}

// ActionResponse is the response to an interactive action.
type ActionResponse struct {
	Update        *ActionUpdate `json:"update,omitempty"`
	EphemeralText string        `json:"ephemeral_text,omitempty"`
}

// ActionUpdate updates the original post.
type ActionUpdate struct {
	Message string            `json:"message,omitempty"`
	Props   *mattermost.Props `json:"props,omitempty"`
}

// attendanceRequest is either a device call carrying employee_id or a chat
// button press carrying user_id.
type attendanceRequest struct {
	EmployeeID string `json:"employee_id"`
	ActionRequest
}

func (r attendanceRequest) employee() string {
	if r.EmployeeID != "" {
		return r.EmployeeID
	}
	return r.UserID
}

func (r attendanceRequest) fromChat() bool {
	return r.EmployeeID == "" && r.UserID != ""
}

// LocationReport is a fix pushed by an employee's device.
type LocationReport struct {
	EmployeeID string     `json:"employee_id"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   float64    `json:"accuracy"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Denied     bool       `json:"denied"`
}

// StatusResponse is the session state shown to the employee.
type StatusResponse struct {
	EmployeeID string                  `json:"employee_id"`
	Date       string                  `json:"date"`
	Zone       geo.Zone                `json:"zone"`
	State      service.SessionState    `json:"state"`
	Record     *model.AttendanceRecord `json:"record,omitempty"`
	Warning    string                  `json:"warning,omitempty"`
}

// HandleSlashCommand handles /attendance slash command.
func (h *AttendanceHandler) HandleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx := h.userContext(r.Context(), r.FormValue("user_id"))

	channelName := r.FormValue("channel_name")
	if !strings.HasPrefix(channelName, model.AttendanceChannel) {
		writeJSON(w, SlashResponse{
			ResponseType: "ephemeral",
			Text:         i18n.T(ctx, "attendance.channel_error"),
		})
		return
	}

	status := i18n.T(ctx, "attendance.not_checked_in_today")
	if userID := r.FormValue("user_id"); userID != "" {
		if s, err := h.engine.OpenSession(ctx, userID); err == nil {
			st := s.State()
			if st.LastActionTime != nil {
				status = i18n.T(ctx, "attendance.status."+string(st.Status)) + " · " + clock.Display(*st.LastActionTime)
			}
		} else {
			log.Printf("ERROR open session: %v", err)
		}
	}

	writeJSON(w, SlashResponse{
		ResponseType: "ephemeral",
		Attachments: []mattermost.Attachment{
			{
				Text: i18n.T(ctx, "attendance.title", map[string]any{"Zone": h.engine.Zone().Name}) + "\n" + status,
				Actions: []mattermost.Action{
					{Name: i18n.T(ctx, "attendance.button.checkin"), Type: "button", Integration: mattermost.Integration{
						URL:     h.botURL + "/api/attendance/checkin",
						Context: map[string]any{"action": "checkin"},
					}},
					{Name: i18n.T(ctx, "attendance.button.checkout"), Type: "button", Integration: mattermost.Integration{
						URL:     h.botURL + "/api/attendance/checkout",
						Context: map[string]any{"action": "checkout"},
					}},
					{Name: i18n.T(ctx, "attendance.button.selfie"), Type: "button", Integration: mattermost.Integration{
						URL:     h.botURL + "/api/attendance/selfie",
						Context: map[string]any{"action": "selfie"},
					}},
				},
			},
			{
				Actions: []mattermost.Action{
					{Name: i18n.T(ctx, "attendance.button.leave"), Type: "button", Integration: mattermost.Integration{
						URL:     h.botURL + "/api/attendance/leave-form",
						Context: map[string]any{"action": "leave-form"},
					}},
				},
			},
		},
	})
}

// HandleLocation accepts a device fix and returns the refreshed session state.
func (h *AttendanceHandler) HandleLocation(w http.ResponseWriter, r *http.Request) {
	var rep LocationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil || rep.EmployeeID == "" {
		writeError(w, requestContext(r), errBadRequest)
		return
	}
	ctx := requestContext(r)

	s, err := h.engine.OpenSession(ctx, rep.EmployeeID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	if rep.Denied {
		h.hub.Deny(rep.EmployeeID)
	} else {
		fix := location.Fix{
			Point:    geo.Point{Lat: rep.Latitude, Lng: rep.Longitude},
			Accuracy: rep.Accuracy,
		}
		if rep.Timestamp != nil {
			fix.At = *rep.Timestamp
		}
		if err := h.hub.Publish(rep.EmployeeID, fix); err != nil {
			if errors.Is(err, geo.ErrInvalidPoint) {
				err = errors.Join(errBadRequest, err)
			}
			writeError(w, ctx, err)
			return
		}
	}
	h.writeStatus(w, s, nil, nil)
}

// HandleStatus returns the employee's current session state.
func (h *AttendanceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	employeeID := r.URL.Query().Get("employee_id")
	if employeeID == "" {
		writeError(w, ctx, errBadRequest)
		return
	}
	s, err := h.engine.OpenSession(ctx, employeeID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := s.Refresh(ctx); err != nil {
		writeError(w, ctx, err)
		return
	}
	h.writeStatus(w, s, nil, nil)
}

// HandleCloseSession ends the employee's session and releases its location watch.
func (h *AttendanceHandler) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	employeeID := r.URL.Query().Get("employee_id")
	if employeeID == "" {
		writeError(w, ctx, errBadRequest)
		return
	}
	h.engine.CloseSession(employeeID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCheckIn records today's check-in.
func (h *AttendanceHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, "attendance.checked_in", (*service.Session).RequestCheckIn)
}

// HandleCheckOut records today's check-out.
func (h *AttendanceHandler) HandleCheckOut(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, "attendance.checked_out", (*service.Session).RequestCheckOut)
}

func (h *AttendanceHandler) handleAction(w http.ResponseWriter, r *http.Request, doneKey string, act func(*service.Session, context.Context) (*service.Result, error)) {
	var req attendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.employee() == "" {
		writeError(w, requestContext(r), errBadRequest)
		return
	}

	ctx := requestContext(r)
	if req.fromChat() {
		ctx = h.userContext(ctx, req.UserID)
	}

	s, err := h.engine.OpenSession(ctx, req.employee())
	if err == nil {
		var res *service.Result
		res, err = act(s, ctx)
		if err == nil {
			if req.fromChat() {
				msg := i18n.T(ctx, doneKey, map[string]any{"Name": req.UserName, "Time": clock.Display(*res.State.LastActionTime)})
				if res.Warning != nil {
					msg += "\n" + i18n.T(ctx, "attendance.warn.location")
				}
				writeJSON(w, ActionResponse{EphemeralText: msg})
				return
			}
			h.writeStatus(w, s, res.Record, res.Warning)
			return
		}
	}

	if !isClientError(err) {
		log.Printf("ERROR attendance action for %s: %v", req.employee(), err)
	}
	if req.fromChat() {
		writeJSON(w, ActionResponse{EphemeralText: h.errorMessage(ctx, err)})
		return
	}
	h.writeActionError(w, ctx, err)
}

// HandleSelfie attaches a verification photo. A multipart upload from a device
// is stored directly; a chat button press opens the upload dialog.
func (h *AttendanceHandler) HandleSelfie(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.handleSelfieUpload(w, r)
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx := h.userContext(r.Context(), req.UserID)

	err := h.mm.OpenDialog(&mattermost.DialogRequest{
		TriggerID: req.TriggerID,
		URL:       h.botURL + "/api/attendance/selfie-submit",
		Dialog: mattermost.Dialog{
			Title:       i18n.T(ctx, "attendance.dialog.selfie_title"),
			SubmitLabel: i18n.T(ctx, "attendance.dialog.submit"),
			Elements: []mattermost.DialogElement{
				{
					DisplayName: i18n.T(ctx, "attendance.dialog.selfie_field"),
					Name:        "photo",
					Type:        "file",
					HelpText:    i18n.T(ctx, "attendance.dialog.selfie_help"),
					Accept:      "image/*",
				},
			},
		},
	})
	if err != nil {
		log.Printf("ERROR open selfie dialog: %v", err)
		writeJSON(w, ActionResponse{EphemeralText: i18n.T(ctx, "attendance.err.upload")})
		return
	}
	writeJSON(w, ActionResponse{})
}

// HandleSelfieSubmit processes the selfie dialog submission.
func (h *AttendanceHandler) HandleSelfieSubmit(w http.ResponseWriter, r *http.Request) {
	var sub DialogSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if sub.Cancelled {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx := h.userContext(r.Context(), sub.UserID)

	fileID := sub.Submission["photo"]
	if fileID == "" {
		writeJSON(w, map[string]string{"error": i18n.T(ctx, "attendance.err.invalid_request")})
		return
	}

	s, err := h.engine.OpenSession(ctx, sub.UserID)
	if err == nil {
		_, err = s.RequestSelfieCapture(ctx, fileID)
	}
	if err != nil {
		if !isClientError(err) {
			log.Printf("ERROR selfie for %s: %v", sub.UserID, err)
		}
		writeJSON(w, map[string]string{"error": h.errorMessage(ctx, err)})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *AttendanceHandler) handleSelfieUpload(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxSelfieBytes)
	if err := r.ParseMultipartForm(maxSelfieBytes); err != nil {
		writeError(w, ctx, errBadRequest)
		return
	}
	employeeID := r.FormValue("employee_id")
	file, header, err := r.FormFile("image")
	if employeeID == "" || err != nil {
		writeError(w, ctx, errBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, ctx, errBadRequest)
		return
	}

	s, err := h.engine.OpenSession(ctx, employeeID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	rec, err := s.RequestSelfieImage(ctx, header.Filename, data)
	if err != nil {
		if !isClientError(err) {
			log.Printf("ERROR selfie upload for %s: %v", employeeID, err)
		}
		h.writeActionError(w, ctx, err)
		return
	}
	h.writeStatus(w, s, rec, nil)
}

func (h *AttendanceHandler) writeStatus(w http.ResponseWriter, s *service.Session, rec *model.AttendanceRecord, warning error) {
	resp := StatusResponse{
		EmployeeID: s.EmployeeID(),
		Date:       clock.DateKey(h.engine.Now()),
		Zone:       h.engine.Zone(),
		State:      s.State(),
		Record:     rec,
	}
	if warning != nil {
		resp.Warning = warning.Error()
	}
	writeJSON(w, resp)
}

// writeActionError is writeError with the zone name available to messages.
func (h *AttendanceHandler) writeActionError(w http.ResponseWriter, ctx context.Context, err error) {
	status, _ := classify(err)
	writeJSONStatus(w, status, ErrorResponse{Error: errorCode(err), Message: h.errorMessage(ctx, err)})
}

func (h *AttendanceHandler) errorMessage(ctx context.Context, err error) string {
	_, key := classify(err)
	return i18n.T(ctx, key, map[string]any{"Zone": h.engine.Zone().Name})
}

// userContext carries the chat user's locale when it can be looked up.
func (h *AttendanceHandler) userContext(ctx context.Context, userID string) context.Context {
	if userID == "" || h.mm == nil {
		return ctx
	}
	user, err := h.mm.GetUser(userID)
	if err != nil || user.Locale == "" {
		return ctx
	}
	return i18n.WithLocale(ctx, user.Locale)
}

// RegisterRoutes registers all attendance routes on the given mux.
func (h *AttendanceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/attendance", h.HandleSlashCommand)
	mux.HandleFunc("POST /api/attendance/location", h.HandleLocation)
	mux.HandleFunc("GET /api/attendance/status", h.HandleStatus)
	mux.HandleFunc("DELETE /api/attendance/session", h.HandleCloseSession)
	mux.HandleFunc("POST /api/attendance/checkin", h.HandleCheckIn)
	mux.HandleFunc("POST /api/attendance/checkout", h.HandleCheckOut)
	mux.HandleFunc("POST /api/attendance/selfie", h.HandleSelfie)
	mux.HandleFunc("POST /api/attendance/selfie-submit", h.HandleSelfieSubmit)
	mux.HandleFunc("POST /api/attendance/leave-form", h.HandleLeaveForm)
	mux.HandleFunc("POST /api/attendance/leave", h.HandleLeaveSubmit)
	mux.HandleFunc("POST /api/attendance/approve", h.HandleApprove)
	mux.HandleFunc("POST /api/attendance/reject", h.HandleReject)
	mux.HandleFunc("POST /api/attendance/reject-submit", h.HandleRejectSubmit)
	mux.HandleFunc("GET /api/attendance/report", h.HandleReport)
	mux.HandleFunc("GET /api/attendance/stats", h.HandleStats)
}
