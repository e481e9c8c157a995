package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records requests and replies with canned envelopes.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, data any, errMsg string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body := map[string]any{"data": data}
		if errMsg != "" {
			body["error"] = errMsg
		}
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}
	record := func(r *http.Request) recordedRequest {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()
		return rec
	}

	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		rec := record(r)
		if rec.Body["client_secret"] != "s3cret" {
			reply(w, http.StatusUnauthorized, nil, "invalid client credentials")
			return
		}
		reply(w, http.StatusOK, map[string]string{"token": "tok-1", "token_type": "Bearer"}, "")
	})
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusOK, map[string]string{"status": "ok"}, "")
	})
	mux.HandleFunc("POST /api/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusAccepted, map[string]string{"id": "call-1", "state": "attempting"}, "")
	})
	mux.HandleFunc("GET /api/v1/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusNotFound, nil, "call not found")
	})
	mux.HandleFunc("GET /api/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusOK, map[string]any{"items": []any{}, "total": 0}, "")
	})
	mux.HandleFunc("PUT /api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		rec := record(r)
		reply(w, http.StatusOK, rec.Body, "")
	})
	mux.HandleFunc("DELETE /api/v1/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CALLROUTER_TOKEN", "")
	t.Setenv("CALLROUTER_CLIENT_SECRET", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newFakeServer(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return api, srv
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	api, srv := newFakeServer(t)
	out, err := run(t, srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
	assert.Empty(t, api.last().Auth)
}

func TestPlaceCallAuthenticatesFirst(t *testing.T) {
	api, srv := newFakeServer(t)
	out, err := run(t, srv.URL, "--secret", "s3cret",
		"calls", "place", "tel:112", "--emergency", "--target", "com.carrier/SipGateway/sim1", "--wait", "5")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "call-1"`)

	require.Len(t, api.requests, 2)
	assert.Equal(t, "/api/v1/auth/token", api.requests[0].Path)
	assert.Equal(t, "admin", api.requests[0].Body["client_name"])

	place := api.last()
	assert.Equal(t, "Bearer tok-1", place.Auth)
	assert.Equal(t, "tel:112", place.Body["address"])
	assert.Equal(t, true, place.Body["emergency"])
	assert.Equal(t, "com.carrier/SipGateway/sim1", place.Body["target_account"])
	assert.Equal(t, float64(5), place.Body["wait_seconds"])
}

func TestTokenFlagSkipsAuthentication(t *testing.T) {
	api, srv := newFakeServer(t)
	_, err := run(t, srv.URL, "--token", "given", "calls", "list", "--state", "connected")
	require.NoError(t, err)
	require.Len(t, api.requests, 1)
	assert.Equal(t, "Bearer given", api.last().Auth)
	assert.Equal(t, "limit=100&state=connected", api.last().Query)
}

func TestMissingCredentials(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := run(t, srv.URL, "calls", "list")
	assert.ErrorContains(t, err, "no credentials")
}

func TestBadCredentials(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := run(t, srv.URL, "--secret", "nope", "token")
	assert.ErrorContains(t, err, "server returned 401: invalid client credentials")
}

func TestServerErrorIsReported(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := run(t, srv.URL, "--token", "t", "calls", "get", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "call not found", apiErr.Message)
}

func TestSettingsSetAndUnset(t *testing.T) {
	api, srv := newFakeServer(t)
	out, err := run(t, srv.URL, "--token", "t",
		"settings", "set", "connection_manager=com.voip/Manager/1", "outgoing_account.tel=com.carrier/SipGateway/sim1")
	require.NoError(t, err)
	assert.Contains(t, out, "com.voip/Manager/1")
	assert.Equal(t, map[string]any{
		"connection_manager":   "com.voip/Manager/1",
		"outgoing_account.tel": "com.carrier/SipGateway/sim1",
	}, api.last().Body)

	_, err = run(t, srv.URL, "--token", "t", "settings", "set", "novalue")
	assert.ErrorContains(t, err, "is not KEY=VALUE")

	_, err = run(t, srv.URL, "--token", "t", "settings", "unset", "connection_manager")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/settings/connection_manager", api.last().Path)
}

func TestTokenCommandPrintsToken(t *testing.T) {
	_, srv := newFakeServer(t)
	out, err := run(t, srv.URL, "--client", "ops", "--secret", "s3cret", "token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1\n", out)
}
