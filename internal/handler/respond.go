package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"golang.org/x/text/language"

	"github.com/Travelintrips/attendance2-sub000/internal/i18n"
	"github.com/Travelintrips/attendance2-sub000/internal/location"
	"github.com/Travelintrips/attendance2-sub000/internal/service"
	"github.com/Travelintrips/attendance2-sub000/internal/store"
)

var errBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorKind struct {
	target error
	status int
	code   string
	key    string
}

var errorKinds = []errorKind{
	{errBadRequest, http.StatusBadRequest, "invalid_request", "attendance.err.invalid_request"},
	{service.ErrNoEmployee, http.StatusBadRequest, "invalid_request", "attendance.err.invalid_request"},
	{service.ErrOutOfRange, http.StatusUnprocessableEntity, "out_of_range", "attendance.err.out_of_range"},
	{service.ErrNoCheckInRecord, http.StatusConflict, "no_checkin_record", "attendance.err.no_checkin_record"},
	{service.ErrNoActiveRecord, http.StatusConflict, "no_active_record", "attendance.err.no_active_record"},
	{service.ErrAlreadyCheckedOut, http.StatusConflict, "already_checked_out", "attendance.err.already_checked_out"},
	{service.ErrCheckOutBeforeIn, http.StatusConflict, "checkout_before_checkin", "attendance.err.checkout_before_checkin"},
	{service.ErrBusy, http.StatusTooManyRequests, "busy", "attendance.err.busy"},
	{service.ErrNoUploader, http.StatusServiceUnavailable, "upload_unavailable", "attendance.err.upload"},
	{location.ErrPermissionDenied, http.StatusForbidden, "permission_denied", "attendance.err.permission_denied"},
	{location.ErrLocationTimeout, http.StatusGatewayTimeout, "location_timeout", "attendance.err.location_timeout"},
	{location.ErrLocationUnavailable, http.StatusServiceUnavailable, "location_unavailable", "attendance.err.location_unavailable"},
	{store.ErrConflict, http.StatusConflict, "conflict", "attendance.err.conflict"},
	{service.ErrLeaveNotFound, http.StatusNotFound, "leave_not_found", "leave.err.not_found"},
	{service.ErrLeaveDecided, http.StatusConflict, "leave_decided", "leave.err.already_decided"},
	{service.ErrInvalidDates, http.StatusBadRequest, "invalid_dates", "leave.err.invalid_dates"},
}

// classify maps an error to its HTTP status and message key. Anything not
// listed is a storage or upstream failure.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.key
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "attendance.err.store"
	}
	return http.StatusBadGateway, "attendance.err.store"
}

func errorCode(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.code
		}
	}
	return "store"
}

// isClientError reports whether err is an expected outcome of a user action
// rather than a failure worth logging.
func isClientError(err error) bool {
	status, _ := classify(err)
	if status < http.StatusInternalServerError {
		return true
	}
	return errors.Is(err, location.ErrLocationUnavailable) || errors.Is(err, location.ErrLocationTimeout)
}

func writeError(w http.ResponseWriter, ctx context.Context, err error) {
	status, key := classify(err)
	if !isClientError(err) {
		log.Printf("ERROR %v", err)
	}
	writeJSONStatus(w, status, ErrorResponse{Error: errorCode(err), Message: i18n.T(ctx, key)})
}

// requestContext carries the locale named by Accept-Language.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ctx
	}
	base, _ := tags[0].Base()
	return i18n.WithLocale(ctx, base.String())
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR encoding response: %v", err)
	}
}
