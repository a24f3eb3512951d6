package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

// Query parameters that are not record filters.
var reservedParams = map[string]bool{
	"object_type_id": true,
	"page":           true,
	"page_size":      true,
	"field":          true,
	"status_field":   true,
	"queued_value":   true,
	"limit":          true,
}

// parseExpression parses "operator:value"; a bare value means equals.
func parseExpression(expr string) (objectbase.FilterOperator, string) {
	parts := strings.SplitN(expr, ":", 2)
	if len(parts) != 2 {
		return objectbase.FilterEquals, expr
	}
	return objectbase.FilterOperator(parts[0]), parts[1]
}

// buildFilters turns ?status=equals:open&created_at=after:2025-01-01 into
// filters. Operators are validated by the record accessor.
func buildFilters(queryParams url.Values) []objectbase.Filter {
	filters := make([]objectbase.Filter, 0)
	for key, values := range queryParams {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		for _, v := range values {
			op, value := parseExpression(v)
			filters = append(filters, objectbase.Filter{Field: key, Operator: op, Value: value})
		}
	}
	return filters
}

// parsePagination extracts page and page_size; zero means the server default.
func parsePagination(queryParams url.Values) (int, int) {
	page, pageSize := 1, 0
	if p := queryParams.Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if ps := queryParams.Get("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

// APIResponse is the standard error envelope.
type APIResponse struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) error {
	return writeJSON(w, statusCode, data)
}

// writeMessage writes an error response that has no structured cause.
func writeMessage(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

// statusFor maps an error category to an HTTP status.
func statusFor(t objectbase.ErrorType) int {
	switch t {
	case objectbase.ErrorTypeValidation:
		return http.StatusBadRequest
	case objectbase.ErrorTypeNotFound:
		return http.StatusNotFound
	case objectbase.ErrorTypeForbidden:
		return http.StatusForbidden
	case objectbase.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case objectbase.ErrorTypeConflict:
		return http.StatusConflict
	case objectbase.ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status of its category. Internal causes
// are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var obErr *objectbase.Error
	if !errors.As(err, &obErr) {
		zap.S().Errorw("unhandled error", "path", r.URL.Path, "error", err)
		_ = writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusFor(obErr.Type)
	if status >= 500 {
		zap.S().Errorw("request failed", "path", r.URL.Path, "code", obErr.Code, "error", err)
	} else {
		zap.S().Debugw("request rejected", "path", r.URL.Path, "code", obErr.Code, "message", obErr.Message)
	}
	resp := APIResponse{Success: false, Error: obErr.Message, Code: obErr.Code, Field: obErr.Field}
	if status < 500 {
		resp.Details = obErr.Details
	}
	_ = writeJSON(w, status, resp)
}

// pathUUID reads a uuid route variable.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, objectbase.NewValidationError(name, fmt.Sprintf("invalid %s: %v", name, err))
	}
	return id, nil
}

// queryUUID reads a required uuid query parameter.
func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, objectbase.NewValidationError(name, name+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, objectbase.NewValidationError(name, fmt.Sprintf("invalid %s: %v", name, err))
	}
	return id, nil
}

// queryTime reads an optional RFC 3339 or date-only query parameter.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, objectbase.NewValidationError(name, "expected RFC 3339 timestamp or YYYY-MM-DD")
}

// readJSONBody reads and decodes JSON from request body
func readJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return objectbase.NewValidationError("body", fmt.Sprintf("invalid json body: %v", err))
	}
	return nil
}
