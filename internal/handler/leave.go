package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/mattermost"
	"github.com/Travelintrips/attendance2-sub000/internal/model"
)

// HandleLeaveForm opens the leave request dialog.
func (h *AttendanceHandler) HandleLeaveForm(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx := h.userContext(r.Context(), req.UserID)

	err := h.mm.OpenDialog(&mattermost.DialogRequest{
		TriggerID: req.TriggerID,
		URL:       h.botURL + "/api/attendance/leave",
		Dialog: mattermost.Dialog{
			Title:       i18n.T(ctx, "leave.dialog.title"),
			SubmitLabel: i18n.T(ctx, "attendance.dialog.submit"),
			Elements: []mattermost.DialogElement{
				{
					DisplayName: i18n.T(ctx, "leave.dialog.type"),
					Name:        "leave_type",
					Type:        "select",
					Options: []mattermost.SelectOption{
						{Text: i18n.T(ctx, "leave.type.leave"), Value: string(model.LeaveTypeAnnual)},
						{Text: i18n.T(ctx, "leave.type.emergency"), Value: string(model.LeaveTypeEmergency)},
						{Text: i18n.T(ctx, "leave.type.sick"), Value: string(model.LeaveTypeSick)},
					},
				},
				{
					DisplayName: i18n.T(ctx, "leave.dialog.dates"),
					Name:        "dates",
					Type:        "textarea",
					HelpText:    i18n.T(ctx, "leave.dialog.dates_help"),
					Placeholder: "YYYY-MM-DD, YYYY-MM-DD, ...",
				},
				{
					DisplayName: i18n.T(ctx, "leave.dialog.reason"),
					Name:        "reason",
					Type:        "textarea",
				},
			},
		},
	})
	if err != nil {
		log.Printf("ERROR open dialog: %v", err)
		writeJSON(w, ActionResponse{EphemeralText: i18n.T(ctx, "attendance.err.store")})
		return
	}
	writeJSON(w, ActionResponse{})
}

// HandleLeaveSubmit processes the leave request dialog submission.
func (h *AttendanceHandler) HandleLeaveSubmit(w http.ResponseWriter, r *http.Request) {
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

	_, err := h.leave.CreateLeaveRequest(
		ctx,
		sub.UserID,
		sub.UserName,
		sub.ChannelID,
		model.LeaveType(sub.Submission["leave_type"]),
		splitDates(sub.Submission["dates"]),
		sub.Submission["reason"],
	)
	if err != nil {
		if !isClientError(err) {
			log.Printf("ERROR create leave request: %v", err)
		}
		// Dialog errors are keyed by field name.
		writeJSON(w, map[string]any{"errors": map[string]string{"dates": h.errorMessage(ctx, err)}})
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleApprove handles the approve button click.
func (h *AttendanceHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx := h.userContext(r.Context(), req.UserID)

	requestID, _ := req.Context["request_id"].(string)
	if requestID == "" {
		writeJSON(w, ActionResponse{EphemeralText: i18n.T(ctx, "attendance.err.invalid_request")})
		return
	}

	msg, err := h.leave.ApproveLeave(ctx, requestID, req.UserID, req.UserName)
	if err != nil {
		if !isClientError(err) {
			log.Printf("ERROR approve leave: %v", err)
		}
		writeJSON(w, ActionResponse{EphemeralText: h.errorMessage(ctx, err)})
		return
	}

	writeJSON(w, ActionResponse{
		Update: &ActionUpdate{
			Message: msg,
			Props:   &mattermost.Props{Attachments: []mattermost.Attachment{}},
		},
	})
}

// HandleReject opens a dialog asking for the rejection reason.
func (h *AttendanceHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx := h.userContext(r.Context(), req.UserID)

	requestID, _ := req.Context["request_id"].(string)
	if requestID == "" {
		writeJSON(w, ActionResponse{EphemeralText: i18n.T(ctx, "attendance.err.invalid_request")})
		return
	}

	err := h.mm.OpenDialog(&mattermost.DialogRequest{
		TriggerID: req.TriggerID,
		URL:       h.botURL + "/api/attendance/reject-submit",
		Dialog: mattermost.Dialog{
			CallbackID:  requestID,
			Title:       i18n.T(ctx, "leave.dialog.reject_title"),
			SubmitLabel: i18n.T(ctx, "leave.button.reject"),
			Elements: []mattermost.DialogElement{
				{
					DisplayName: i18n.T(ctx, "leave.dialog.reject_reason"),
					Name:        "reason",
					Type:        "textarea",
				},
			},
		},
	})
	if err != nil {
		log.Printf("ERROR open reject dialog: %v", err)
		writeJSON(w, ActionResponse{EphemeralText: i18n.T(ctx, "attendance.err.store")})
		return
	}
	writeJSON(w, ActionResponse{})
}

// HandleRejectSubmit processes the reject dialog submission.
func (h *AttendanceHandler) HandleRejectSubmit(w http.ResponseWriter, r *http.Request) {
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

	requestID := sub.CallbackID
	if requestID == "" {
		writeJSON(w, map[string]string{"error": i18n.T(ctx, "attendance.err.invalid_request")})
		return
	}

	username := sub.UserName
	if username == "" {
		user, err := h.mm.GetUser(sub.UserID)
		if err == nil {
			username = user.Username
		}
	}

	_, err := h.leave.RejectLeave(ctx, requestID, sub.UserID, username, sub.Submission["reason"])
	if err != nil {
		if !isClientError(err) {
			log.Printf("ERROR reject leave: %v", err)
		}
		writeJSON(w, map[string]string{"error": h.errorMessage(ctx, err)})
		return
	}

	w.WriteHeader(http.StatusOK)
}

// splitDates parses the comma separated dates field.
func splitDates(s string) []string {
	var dates []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			dates = append(dates, d)
		}
	}
	return dates
}
