// Package httpapi exposes the fleet service over a JSON REST API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"calibra/internal/fleet"
	"calibra/internal/ical"
	"calibra/internal/recurrence"
	logx "calibra/pkg/logx"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 50
	defaultAuditLimit   = 50
)

// AuditLog reads the most recent audit entries.
type AuditLog interface {
	RecentAudit(ctx context.Context, limit int) ([]fleet.AuditEntry, error)
}

// API holds the route handlers.
type API struct {
	svc   *fleet.Service
	audit AuditLog
	log   logx.Logger
}

// New builds the handlers. audit may be nil, which disables /api/v1/audit.
func New(svc *fleet.Service, audit AuditLog, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{svc: svc, audit: audit, log: log.With(logx.String("comp", "http"))}
}

// RegisterRoutes mounts every endpoint on r.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/methods", a.listMethods).Methods(http.MethodGet)
	v1.HandleFunc("/methods", a.createMethod).Methods(http.MethodPost)
	v1.HandleFunc("/methods/{id}", a.getMethod).Methods(http.MethodGet)
	v1.HandleFunc("/methods/{id}", a.updateMethod).Methods(http.MethodPut)
	v1.HandleFunc("/methods/{id}", a.deleteMethod).Methods(http.MethodDelete)
	v1.HandleFunc("/methods/{id}/apply", a.applyMethod).Methods(http.MethodPost)
	v1.HandleFunc("/methods/{id}/remove", a.removeMethod).Methods(http.MethodPost)

	v1.HandleFunc("/calendars", a.listCalendars).Methods(http.MethodGet)
	v1.HandleFunc("/calendars", a.createCalendar).Methods(http.MethodPost)
	v1.HandleFunc("/calendars/{id}", a.getCalendar).Methods(http.MethodGet)
	v1.HandleFunc("/calendars/{id}", a.updateCalendar).Methods(http.MethodPut)
	v1.HandleFunc("/calendars/{id}", a.deleteCalendar).Methods(http.MethodDelete)
	v1.HandleFunc("/calendars/{id}/active", a.setCalendarActive).Methods(http.MethodPost)
	v1.HandleFunc("/calendars/{id}/feed.ics", a.calendarFeed).Methods(http.MethodGet)

	v1.HandleFunc("/instruments", a.listInstruments).Methods(http.MethodGet)
	v1.HandleFunc("/instruments", a.registerInstrument).Methods(http.MethodPost)
	v1.HandleFunc("/instruments/{id}", a.getInstrument).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{id}/source", a.setSource).Methods(http.MethodPut)
	v1.HandleFunc("/instruments/{id}/calibrations", a.recordCalibration).Methods(http.MethodPost)
	v1.HandleFunc("/instruments/{id}/status", a.instrumentStatus).Methods(http.MethodGet)

	v1.HandleFunc("/report", a.report).Methods(http.MethodGet)
	v1.HandleFunc("/recompute", a.recompute).Methods(http.MethodPost)
	v1.HandleFunc("/preview", a.preview).Methods(http.MethodPost)
	if a.audit != nil {
		v1.HandleFunc("/audit", a.recentAudit).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such route"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestFields(r *http.Request, status int, err error) []logx.Field {
	fields := []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.Int("status", status),
	}
	if id, ok := r.Context().Value(reqIDKey{}).(string); ok {
		fields = append(fields, logx.String("req_id", id))
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	return fields
}

type reqIDKey struct{}

func (a *API) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()[:8]
		r = r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Debug("request", append(requestFields(r, rec.status, nil), logx.Duration("took", time.Since(start)))...)
	})
}

func (a *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				a.log.Error("handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", v),
					logx.Stack(string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": a.svc.Now().UTC()})
}

// methods

type methodBody struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	InstrumentTypeID string          `json:"instrument_type_id"`
	Rule             recurrence.Rule `json:"rule"`
	Version          int64           `json:"version"`
}

func (b methodBody) input() fleet.MethodInput {
	return fleet.MethodInput{
		Name:             b.Name,
		Description:      b.Description,
		InstrumentTypeID: b.InstrumentTypeID,
		Rule:             b.Rule,
		Version:          b.Version,
	}
}

func (a *API) listMethods(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListMethods(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (a *API) createMethod(w http.ResponseWriter, r *http.Request) {
	var b methodBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	m, err := a.svc.CreateMethod(r.Context(), b.input())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) getMethod(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.GetMethod(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) updateMethod(w http.ResponseWriter, r *http.Request) {
	var b methodBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	m, err := a.svc.UpdateMethod(r.Context(), mux.Vars(r)["id"], b.input())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) deleteMethod(w http.ResponseWriter, r *http.Request) {
	cascade, err := queryBool(r, "cascade")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.svc.DeleteMethod(r.Context(), mux.Vars(r)["id"], cascade); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchBody struct {
	InstrumentIDs []string `json:"instrument_ids"`
	CalendarName  string   `json:"calendar_name"`
}

func (a *API) applyMethod(w http.ResponseWriter, r *http.Request) {
	var b batchBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.ApplyMethod(r.Context(), mux.Vars(r)["id"], b.InstrumentIDs, b.CalendarName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) removeMethod(w http.ResponseWriter, r *http.Request) {
	var b batchBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	if b.CalendarName != "" {
		a.fail(w, r, invalidParam("calendar_name", "calendar_name is not accepted by remove"))
		return
	}
	res, err := a.svc.RemoveMethod(r.Context(), mux.Vars(r)["id"], b.InstrumentIDs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// calendars

type calendarBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rule        recurrence.Rule `json:"rule"`
	Version     int64           `json:"version"`
}

func (b calendarBody) input() fleet.CalendarInput {
	return fleet.CalendarInput{Name: b.Name, Description: b.Description, Rule: b.Rule, Version: b.Version}
}

func (a *API) listCalendars(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListCalendars(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (a *API) createCalendar(w http.ResponseWriter, r *http.Request) {
	var b calendarBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.svc.CreateCalendar(r.Context(), b.input())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// calendarView adds the member list to a calendar.
type calendarView struct {
	*fleet.Calendar
	Members []string `json:"members"`
}

func (a *API) getCalendar(w http.ResponseWriter, r *http.Request) {
	c, members, err := a.svc.CalendarMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	writeJSON(w, http.StatusOK, calendarView{Calendar: c, Members: ids})
}

func (a *API) updateCalendar(w http.ResponseWriter, r *http.Request) {
	var b calendarBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.svc.UpdateCalendar(r.Context(), mux.Vars(r)["id"], b.input())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteCalendar(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteCalendar(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setCalendarActive(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Active *bool `json:"active"`
	}
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	if b.Active == nil {
		a.fail(w, r, invalidParam("active", "active is required"))
		return
	}
	c, err := a.svc.SetCalendarActive(r.Context(), mux.Vars(r)["id"], *b.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) calendarFeed(w http.ResponseWriter, r *http.Request) {
	c, members, err := a.svc.CalendarMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", c.ID+".ics"))
	if err := ical.Write(w, c, members, a.svc.Now()); err != nil {
		a.log.Warn("feed write failed", logx.String("calendar_id", c.ID), logx.Err(err))
	}
}

// instruments

type instrumentBody struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	TypeID           string       `json:"type_id"`
	Source           fleet.Source `json:"source"`
	LastCalibratedAt string       `json:"last_calibrated_at"`
	CreatedAt        string       `json:"created_at"`
}

func (a *API) listInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := fleet.InstrumentFilter{
		TypeID:     q.Get("type"),
		SourceKind: fleet.SourceKind(q.Get("source_kind")),
		SourceRef:  q.Get("source_ref"),
	}
	if ids := q.Get("ids"); ids != "" {
		f.IDs = splitList(ids)
	}
	scheduled, err := queryBool(r, "scheduled")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f.Scheduled = scheduled
	out, err := a.svc.ListInstruments(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (a *API) registerInstrument(w http.ResponseWriter, r *http.Request) {
	var b instrumentBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	last, err := parseDatePtr("last_calibrated_at", b.LastCalibratedAt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := parseDate("created_at", b.CreatedAt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	inst, err := a.svc.RegisterInstrument(r.Context(), fleet.InstrumentInput{
		ID:               b.ID,
		Name:             b.Name,
		TypeID:           b.TypeID,
		Source:           b.Source,
		LastCalibratedAt: last,
		CreatedAt:        created,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (a *API) getInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := a.svc.GetInstrument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) setSource(w http.ResponseWriter, r *http.Request) {
	var src fleet.Source
	if err := decode(r, &src); err != nil {
		a.fail(w, r, err)
		return
	}
	inst, err := a.svc.SetSource(r.Context(), mux.Vars(r)["id"], src)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) recordCalibration(w http.ResponseWriter, r *http.Request) {
	var b struct {
		At string `json:"at"`
	}
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	at, err := parseDate("at", b.At)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if at.IsZero() {
		at = a.svc.Now()
	}
	inst, err := a.svc.RecordCalibration(r.Context(), mux.Vars(r)["id"], at)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) instrumentStatus(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.asOf(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := a.svc.Status(r.Context(), mux.Vars(r)["id"], asOf)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// reports

func (a *API) report(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.asOf(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := fleet.ReportFilter{TypeID: q.Get("type"), CalendarID: q.Get("calendar")}
	for _, raw := range q["status"] {
		for _, s := range splitList(raw) {
			st, err := recurrence.ParseStatus(s)
			if err != nil {
				a.fail(w, r, invalidParam("status", "%v", err))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if f.DueBefore, err = parseDate("due_before", q.Get("due_before")); err != nil {
		a.fail(w, r, err)
		return
	}
	rep, err := a.svc.Report(r.Context(), asOf, f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if rep.Rows == nil {
		rep.Rows = []fleet.StatusView{}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) recompute(w http.ResponseWriter, r *http.Request) {
	var b struct {
		InstrumentIDs []string `json:"instrument_ids"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &b); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	res, err := a.svc.Recompute(r.Context(), b.InstrumentIDs...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if res.Changed == nil {
		res.Changed = []string{}
	}
	writeJSON(w, http.StatusOK, res)
}

type previewBody struct {
	Rule   recurrence.Rule `json:"rule"`
	Anchor string          `json:"anchor"`
	Count  int             `json:"count"`
}

type previewResult struct {
	Rule      string          `json:"rule"`
	Form      recurrence.Form `json:"form"`
	Tolerance string          `json:"tolerance"`
	RRule     string          `json:"rrule"`
	Dates     []string        `json:"dates"`
}

// preview computes the next due dates a rule would produce without
// touching any stored record.
func (a *API) preview(w http.ResponseWriter, r *http.Request) {
	var b previewBody
	if err := decode(r, &b); err != nil {
		a.fail(w, r, err)
		return
	}
	if b.Rule.IsZero() {
		a.fail(w, r, &fleet.ValidationError{Field: "rule", Reason: "required"})
		return
	}
	anchor, err := parseDate("anchor", b.Anchor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if anchor.IsZero() {
		anchor = a.svc.Now()
	}
	anchor = recurrence.Day(anchor)
	n := b.Count
	switch {
	case n <= 0:
		n = defaultPreviewCount
	case n > maxPreviewCount:
		a.fail(w, r, invalidParam("count", "count must be <= %d", maxPreviewCount))
		return
	}
	rr, err := recurrence.RRuleString(b.Rule, anchor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := previewResult{
		Rule:      b.Rule.String(),
		Form:      recurrence.FormFromRule(b.Rule),
		Tolerance: b.Rule.Tolerance().String(),
		RRule:     rr,
	}
	for _, d := range recurrence.Occurrences(b.Rule, anchor, n) {
		out.Dates = append(out.Dates, d.Format(time.DateOnly))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) recentAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, r, invalidParam("limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	out, err := a.audit.RecentAudit(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

// helpers

func (a *API) asOf(r *http.Request) (time.Time, error) {
	t, err := parseDate("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		return time.Time{}, err
	}
	if t.IsZero() {
		return a.svc.Now(), nil
	}
	return t, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidParam(key, "%s must be a boolean", key)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
