package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/server/middleware"
	"github.com/inkpress/inkpress/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeList wraps items in the standard list envelope.
func writeList(w http.ResponseWriter, items interface{}, count int) {
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: items,
		Meta:     &model.ResponseMeta{Count: count},
	})
}

// writeServiceError maps service and store errors onto HTTP responses.
// Server-side failures are also attached to the request's usage event.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), map[string]interface{}{"field": verr.Field})
	case errors.Is(err, config.ErrNotFound), errors.Is(err, errKeyHidden):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, errSiteKeyManagement):
		writeError(w, http.StatusForbidden, "Site keys cannot manage API keys",
			map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
	case errors.Is(err, service.ErrForbiddenScope), errors.Is(err, service.ErrForbiddenSite):
		middleware.WriteDenial(w, err)
	default:
		status, msg := classifyDBError(err, "Request failed")
		if status >= 500 {
			middleware.AnnotateUsageError(r.Context(), msg)
		}
		writeError(w, status, msg)
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryTime parses an RFC 3339 query parameter. A missing parameter yields
// nil without error.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	val := strings.TrimSpace(r.URL.Query().Get(key))
	if val == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil, &service.ValidationError{Field: key, Message: "must be an RFC 3339 timestamp"}
	}
	t = t.UTC()
	return &t, nil
}

// classifyDBError maps common database errors to appropriate HTTP status codes.
// Returns (httpStatus, cleanMessage).
func classifyDBError(err error, fallbackMsg string) (int, string) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key"):
		return http.StatusConflict, fallbackMsg + ": resource already exists"

	case strings.Contains(lower, "foreign key") ||
		strings.Contains(lower, "check constraint") ||
		strings.Contains(lower, "not null constraint") ||
		strings.Contains(lower, "null value in column"):
		return http.StatusBadRequest, fallbackMsg + ": " + msg

	default:
		return http.StatusInternalServerError, fallbackMsg
	}
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
