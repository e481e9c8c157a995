package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/backend"
	"github.com/flowpbx/callrouter/internal/callmgr"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var testSecret = []byte("test-signing-secret")

type fakeCalls struct {
	mu        sync.Mutex
	placed    []callmgr.Request
	calls     map[string]callmgr.CallInfo
	attempts  map[string][]routing.AttemptRecord
	aborted   []string
	continued []telecom.DisconnectCause
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		calls:    make(map[string]callmgr.CallInfo),
		attempts: make(map[string][]routing.AttemptRecord),
	}
}

func (f *fakeCalls) Place(_ context.Context, req callmgr.Request) (callmgr.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.TestEmergency && !req.Emergency {
		return callmgr.CallInfo{}, callmgr.ErrInvalidRequest
	}
	f.placed = append(f.placed, req)
	info := callmgr.CallInfo{
		ID:        "call-1",
		Address:   req.Address,
		Emergency: req.Emergency,
		State:     "attempting",
		Attempts:  1,
		CreatedAt: time.Now(),
	}
	f.calls[info.ID] = info
	return info, nil
}

func (f *fakeCalls) Get(id string) (callmgr.CallInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.calls[id]
	return info, ok
}

func (f *fakeCalls) List() []callmgr.CallInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]callmgr.CallInfo, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c)
	}
	return out
}

func (f *fakeCalls) Attempts(id string) ([]routing.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[id]; !ok {
		return nil, callmgr.ErrCallNotFound
	}
	return f.attempts[id], nil
}

func (f *fakeCalls) Wait(_ context.Context, id string) (callmgr.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.calls[id]
	if !ok {
		return callmgr.CallInfo{}, callmgr.ErrCallNotFound
	}
	now := time.Now()
	info.State = "connected"
	info.Result = "connected"
	info.FinishedAt = &now
	f.calls[id] = info
	return info, nil
}

func (f *fakeCalls) Abort(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.calls[id]
	if !ok {
		return callmgr.ErrCallNotFound
	}
	f.aborted = append(f.aborted, id)
	info.State = "aborted"
	f.calls[id] = info
	return nil
}

func (f *fakeCalls) Continue(id string, cause telecom.DisconnectCause) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.calls[id]
	if !ok {
		return callmgr.ErrCallNotFound
	}
	if info.State != "connected" {
		return callmgr.ErrNotConnected
	}
	f.continued = append(f.continued, cause)
	return nil
}

type fakeBinder struct {
	mu      sync.Mutex
	reloads int
}

func (b *fakeBinder) Reload(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reloads++
	return nil
}

func (b *fakeBinder) reloadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloads
}

func (b *fakeBinder) Statuses() []backend.Status {
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []backend.Status{{
		Component:   telecom.ComponentName{Package: "com.carrier", Class: "SipGateway"},
		Name:        "carrier",
		Healthy:     true,
		LastCheckAt: &checked,
		ActiveLegs:  1,
	}}
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

type testEnv struct {
	srv     *Server
	calls   *fakeCalls
	binder  *fakeBinder
	inval   *countingInvalidator
	logs    database.AttemptLogRepository
	clients database.APIClientRepository
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	settings, err := database.NewSettingsRepository(context.Background(), db)
	require.NoError(t, err)

	env := &testEnv{
		calls:   newFakeCalls(),
		binder:  &fakeBinder{},
		inval:   &countingInvalidator{},
		logs:    database.NewAttemptLogRepository(db),
		clients: database.NewAPIClientRepository(db),
	}
	env.srv = NewServer(Deps{
		Accounts:   database.NewAccountRepository(db),
		Services:   database.NewConnectionServiceRepository(db),
		Settings:   settings,
		Clients:    env.clients,
		AttemptLog: env.logs,
		Calls:      env.calls,
		Backends:   env.binder,
		Registrar:  env.inval,
		JWTSecret:  testSecret,
		TokenTTL:   time.Hour,
		RateLimit: &middleware.RateLimitConfig{
			Rate: rate.Inf, Burst: 1, MaxClients: 16, MaxAge: time.Minute,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	hash, err := database.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, env.clients.Create(context.Background(), &models.APIClient{Name: "ops", SecretHash: hash}))

	rec := env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"client_name": "ops", "client_secret": "s3cret",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tok tokenResponse
	env.decode(t, rec, &tok)
	require.NotEmpty(t, tok.Token)
	assert.Equal(t, "Bearer", tok.TokenType)
	env.token = tok.Token
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Empty(t, env.Error)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""
	rec := e.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t)

	valid := e.token
	e.token = ""
	rec := e.do(t, http.MethodGet, "/api/v1/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", errorOf(t, rec))

	e.token = "garbage"
	rec = e.do(t, http.MethodGet, "/api/v1/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e.token = ""
	rec = e.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"client_name": "ops", "client_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid client credentials", errorOf(t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"client_name": "nobody", "client_secret": "s3cret",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e.token = valid
	rec = e.do(t, http.MethodGet, "/api/v1/accounts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountLifecycle(t *testing.T) {
	e := newTestEnv(t)

	body := map[string]any{
		"package":      "com.carrier",
		"class":        "SipGateway",
		"handle_id":    "sim1",
		"label":        "Carrier SIM",
		"capabilities": []string{"sim_subscription", "place_emergency_calls"},
		"schemes":      []string{"tel"},
		"slot_index":   0,
	}
	rec := e.do(t, http.MethodPost, "/api/v1/accounts", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created accountResponse
	e.decode(t, rec, &created)
	assert.Equal(t, "com.carrier/SipGateway/sim1", created.Handle)
	assert.Equal(t, []string{"sim_subscription", "place_emergency_calls"}, created.Capabilities)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.SlotIndex)
	assert.Equal(t, 0, *created.SlotIndex)
	assert.Equal(t, 1, e.binder.reloadCount())
	assert.Equal(t, 1, e.inval.n)

	rec = e.do(t, http.MethodPost, "/api/v1/accounts", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body["capabilities"] = []string{"teleport"}
	body["handle_id"] = "sim2"
	rec = e.do(t, http.MethodPost, "/api/v1/accounts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorOf(t, rec), "unknown capability")

	id := itoa(created.ID)
	body["capabilities"] = []string{"self_managed"}
	body["handle_id"] = "sim1"
	body["enabled"] = false
	rec = e.do(t, http.MethodPut, "/api/v1/accounts/"+id, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated accountResponse
	e.decode(t, rec, &updated)
	assert.Equal(t, []string{"self_managed"}, updated.Capabilities)
	assert.False(t, updated.Enabled)

	rec = e.do(t, http.MethodGet, "/api/v1/accounts?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []accountResponse `json:"items"`
		Total int               `json:"total"`
	}
	e.decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	rec = e.do(t, http.MethodDelete, "/api/v1/accounts/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/accounts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/accounts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/services", map[string]any{
		"package":  "com.carrier",
		"class":    "SipGateway",
		"name":     "carrier",
		"host":     "sip.carrier.example",
		"username": "acct",
		"password": "hunter2",
		"trusted":  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "hunter2")
	var svc serviceResponse
	e.decode(t, rec, &svc)
	assert.Equal(t, 5060, svc.Port)
	assert.Equal(t, "udp", svc.Transport)
	assert.True(t, svc.HasPassword)
	assert.True(t, svc.BindPermission)
	assert.Equal(t, "com.carrier/SipGateway", svc.Component)

	rec = e.do(t, http.MethodPost, "/api/v1/services", map[string]any{
		"package": "com.carrier", "class": "SipGateway", "name": "dup", "host": "10.0.0.1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/services", map[string]any{
		"package": "com.other", "class": "SipGateway", "name": "x", "host": "10.0.0.1", "transport": "sctp",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An update without a password keeps the stored one.
	id := itoa(svc.ID)
	rec = e.do(t, http.MethodPut, "/api/v1/services/"+id, map[string]any{
		"package": "com.carrier", "class": "SipGateway", "name": "carrier-2",
		"host": "sip.carrier.example", "port": 5080, "transport": "TCP",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	e.decode(t, rec, &svc)
	assert.Equal(t, "carrier-2", svc.Name)
	assert.Equal(t, "tcp", svc.Transport)
	assert.True(t, svc.HasPassword)

	rec = e.do(t, http.MethodGet, "/api/v1/services/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []serviceStatusResponse
	e.decode(t, rec, &statuses)
	require.Len(t, statuses, 1)
	assert.Equal(t, "com.carrier/SipGateway", statuses[0].Component)
	require.NotNil(t, statuses[0].LastCheckAt)
	assert.Equal(t, "2026-01-02T03:04:05Z", *statuses[0].LastCheckAt)

	before := e.binder.reloadCount()
	rec = e.do(t, http.MethodPost, "/api/v1/services/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before+1, e.binder.reloadCount())

	rec = e.do(t, http.MethodDelete, "/api/v1/services/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/services/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettings(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPut, "/api/v1/settings", map[string]string{
		database.SettingConnectionManager:      "com.voip/Manager/1",
		database.SettingOutgoingPrefix + "tel": "com.carrier/SipGateway/sim1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]string
	e.decode(t, rec, &got)
	assert.Equal(t, "com.voip/Manager/1", got[database.SettingConnectionManager])
	assert.Equal(t, 1, e.inval.n)

	rec = e.do(t, http.MethodPut, "/api/v1/settings", map[string]string{"smtp_host": "x/y/z"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPut, "/api/v1/settings", map[string]string{database.SettingConnectionManager: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/settings/"+database.SettingConnectionManager, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/settings", nil)
	e.decode(t, rec, &got)
	assert.NotContains(t, got, database.SettingConnectionManager)
	assert.Contains(t, got, database.SettingOutgoingPrefix+"tel")
}

func TestPlaceCall(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{
		"address":        "tel:+61255501234",
		"target_account": "com.carrier/SipGateway/sim1",
		"user":           "alice",
		"emergency":      true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var call callResponse
	e.decode(t, rec, &call)
	assert.Equal(t, "attempting", call.State)
	assert.Nil(t, call.FinishedAt)

	require.Len(t, e.calls.placed, 1)
	req := e.calls.placed[0]
	assert.Equal(t, "sim1", req.TargetAccount.ID)
	assert.Equal(t, "alice", req.TargetAccount.User)
	assert.True(t, req.PreferredAccount.IsZero())
	assert.True(t, req.Emergency)

	rec = e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{
		"address": "tel:1", "wait_seconds": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	e.decode(t, rec, &call)
	assert.Equal(t, "connected", call.Result)
	assert.NotNil(t, call.FinishedAt)

	bad := []map[string]any{
		{"address": ""},
		{"address": "no-scheme"},
		{"address": "tel:1", "target_account": "only/two"},
		{"address": "tel:1", "wait_seconds": 600},
		{"address": "tel:1", "test_emergency": true},
	}
	for _, b := range bad {
		rec = e.do(t, http.MethodPost, "/api/v1/calls", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code, b)
	}
}

func TestCallControl(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{"address": "tel:1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/calls/call-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/calls?state=attempting", nil)
	var page struct {
		Total int `json:"total"`
	}
	e.decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)
	rec = e.do(t, http.MethodGet, "/api/v1/calls?state=connected", nil)
	e.decode(t, rec, &page)
	assert.Zero(t, page.Total)

	rec = e.do(t, http.MethodPost, "/api/v1/calls/call-1/continue", map[string]string{"cause": "busy"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	e.calls.Wait(context.Background(), "call-1")
	rec = e.do(t, http.MethodPost, "/api/v1/calls/call-1/continue", map[string]string{"cause": "teleported"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/v1/calls/call-1/continue", map[string]string{"cause": "busy", "reason": "486"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, e.calls.continued, 1)
	assert.Equal(t, telecom.NewCause(telecom.CauseBusy, "486"), e.calls.continued[0])

	rec = e.do(t, http.MethodDelete, "/api/v1/calls/call-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"call-1"}, e.calls.aborted)
	rec = e.do(t, http.MethodDelete, "/api/v1/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallAttemptsAndLog(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{"address": "tel:1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	target, _ := telecom.ParseAccountHandle("com.carrier/SipGateway/sim1")
	manager, _ := telecom.ParseAccountHandle("com.voip/Manager/1")
	e.calls.attempts["call-1"] = []routing.AttemptRecord{
		routing.Direct(target),
		{Manager: manager, Target: target},
	}

	rec = e.do(t, http.MethodGet, "/api/v1/calls/call-1/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []attemptRecordResponse
	e.decode(t, rec, &records)
	require.Len(t, records, 2)
	assert.False(t, records[0].Managed)
	assert.True(t, records[1].Managed)
	assert.Equal(t, "com.voip/Manager/1", records[1].Manager)

	ctx := context.Background()
	base := time.Now().UTC()
	for i, ev := range []string{models.AttemptEventStarted, models.AttemptEventFailed} {
		require.NoError(t, e.logs.Create(ctx, &models.AttemptLogEntry{
			ID: ev, CallID: "call-1", Attempt: 1, Event: ev, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec = e.do(t, http.MethodGet, "/api/v1/calls/call-1/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []attemptLogResponse
	e.decode(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AttemptEventStarted, entries[0].Event)

	rec = e.do(t, http.MethodGet, "/api/v1/calls/missing/log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/attempt-log?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e.decode(t, rec, &entries)
	assert.Len(t, entries, 1)
	rec = e.do(t, http.MethodGet, "/api/v1/attempt-log?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClients(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/clients", map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created clientCreatedResponse
	e.decode(t, rec, &created)
	assert.NotEmpty(t, created.Secret)

	rec = e.do(t, http.MethodPost, "/api/v1/clients", map[string]string{"name": "ci"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The new client can authenticate with its secret.
	saved := e.token
	e.token = ""
	rec = e.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{
		"client_name": "ci", "client_secret": created.Secret,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	e.token = saved

	ops, err := e.clients.GetByName(context.Background(), "ops")
	require.NoError(t, err)
	rec = e.do(t, http.MethodDelete, "/api/v1/clients/"+itoa(ops.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/clients/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/clients", nil)
	var list []clientResponse
	e.decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "ops", list[0].Name)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
