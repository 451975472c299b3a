package handler

import (
	"net/http"

	"github.com/Travelintrips/attendance2-sub000/internal/clock"
)

// HandleReport returns attendance and leave over ?from=&to=, optionally for one
// ?employee_id=. Both dates default to today.
func (h *AttendanceHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	q := r.URL.Query()
	today := clock.DateKey(h.engine.Now())
	from, to := q.Get("from"), q.Get("to")
	if from == "" {
		from = today
	}
	if to == "" {
		to = from
	}

	report, err := h.reports.Report(ctx, from, to, q.Get("employee_id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, report)
}

// HandleStats returns the summary for ?date= (default today).
func (h *AttendanceHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	date := r.URL.Query().Get("date")
	if date == "" {
		date = clock.DateKey(h.engine.Now())
	}

	stats, err := h.reports.Stats(ctx, date)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, stats)
}
