package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestRequestLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	entry := logEntry(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/api/v1/health", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, float64(2), entry["bytes"])
	assert.Contains(t, entry, "duration_ms")
}

func TestRequestLoggerExplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/missing", nil))

	entry := logEntry(t, &buf)
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, float64(404), entry["status"])
}

func TestRequestLoggerServerErrorIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/services", nil))

	entry := logEntry(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, float64(502), entry["status"])
}
