package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// envelope is the standard API response wrapper: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// readJSON decodes a single JSON object from the request body into dst.
// Unknown fields are rejected. It returns a client-facing message, or "" on
// success.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
			}
			return "request body has the wrong type"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
		default:
			return "invalid request body"
		}
	}

	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// pagination holds parsed limit/offset query parameters.
type pagination struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a page of list results.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// parsePagination reads ?limit= and ?offset=. Limits above maxLimit are
// clamped.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Limit: defaultLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, "limit must be a positive integer"
		}
		p.Limit = min(n, maxLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, "offset must be a non-negative integer"
		}
		p.Offset = n
	}
	return p, ""
}

// paginate slices all to the requested page.
func paginate[T any](all []T, p pagination) PaginatedResponse {
	total := len(all)
	start := min(p.Offset, total)
	end := min(start+p.Limit, total)
	page := all[start:end]
	if page == nil {
		page = []T{}
	}
	return PaginatedResponse{Items: page, Total: total, Limit: p.Limit, Offset: p.Offset}
}
