package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"calibra/internal/fleet"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	ID      string `json:"id,omitempty"`
}

// badRequest marks malformed input that never reached the domain layer.
type badRequest struct {
	field string
	err   error
}

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func invalidParam(field string, format string, args ...any) error {
	return &badRequest{field: field, err: fmt.Errorf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// classify maps domain errors onto HTTP statuses.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}
	var (
		nf  *fleet.NotFoundError
		ir  *fleet.InvalidRuleError
		sc  *fleet.ScopeError
		eb  *fleet.EmptyBatchError
		ve  *fleet.ValidationError
		cm  *fleet.ConcurrentModificationError
		ref *fleet.ReferencedError
		dup *fleet.DuplicateNameError
		bad *badRequest
	)
	switch {
	case errors.As(err, &nf):
		body.Error, body.ID = "not_found", nf.ID
		return http.StatusNotFound, body
	case errors.As(err, &ir):
		body.Error, body.Field = "invalid_rule", ir.Field
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &sc):
		body.Error, body.ID = "scope", sc.InstrumentID
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &eb):
		body.Error, body.Field = "empty_batch", "instrument_ids"
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &ve):
		body.Error, body.Field = "validation", ve.Field
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &cm):
		body.Error, body.ID = "concurrent_modification", cm.ID
		return http.StatusConflict, body
	case errors.As(err, &ref):
		body.Error, body.ID = "referenced", ref.ID
		return http.StatusConflict, body
	case errors.As(err, &dup):
		body.Error, body.Field = "duplicate_name", "name"
		return http.StatusConflict, body
	case errors.As(err, &bad):
		body.Error, body.Field = "bad_request", bad.field
		return http.StatusBadRequest, body
	default:
		body.Error = "internal"
		return http.StatusInternalServerError, body
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= 500 {
		a.log.Error("request failed", requestFields(r, status, err)...)
		body.Message = "internal error"
	} else {
		a.log.Debug("request rejected", requestFields(r, status, err)...)
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body strictly: unknown keys and trailing data are
// rejected.
func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return &badRequest{err: err}
	}
	if len(b) > maxBodyBytes {
		return &badRequest{err: errors.New("request body too large")}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var ir *fleet.InvalidRuleError
		var ve *fleet.ValidationError
		if errors.As(err, &ir) || errors.As(err, &ve) {
			return err
		}
		return &badRequest{err: fmt.Errorf("invalid JSON body: %w", err)}
	}
	if dec.More() {
		return &badRequest{err: errors.New("invalid JSON body: trailing data")}
	}
	return nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty yields the zero time.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, invalidParam(field, "%s: want YYYY-MM-DD or RFC 3339, got %q", field, s)
	}
	return t, nil
}

func parseDatePtr(field, s string) (*time.Time, error) {
	t, err := parseDate(field, s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}
