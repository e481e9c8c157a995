package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/callrouter/internal/callmgr"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/go-chi/chi/v5"
)

const (
	maxWaitSeconds      = 60
	defaultRecentLogLen = 100
	maxRecentLogLen     = 1000
)

// placeCallRequest is the JSON request body for POST /calls.
type placeCallRequest struct {
	Address          string `json:"address"`
	TargetAccount    string `json:"target_account"`
	PreferredAccount string `json:"preferred_account"`
	// User scopes both handles to an owning user.
	User            string `json:"user"`
	Emergency       bool   `json:"emergency"`
	TestEmergency   bool   `json:"test_emergency"`
	SelfManaged     bool   `json:"self_managed"`
	Incoming        bool   `json:"incoming"`
	AdhocConference bool   `json:"adhoc_conference"`
	// WaitSeconds blocks the response until the call has an outcome or the
	// wait elapses.
	WaitSeconds int `json:"wait_seconds"`
}

type callResponse struct {
	ID         string  `json:"id"`
	Address    string  `json:"address"`
	Emergency  bool    `json:"emergency"`
	State      string  `json:"state"`
	Attempts   int     `json:"attempts"`
	TimedOut   bool    `json:"timed_out"`
	HungUp     bool    `json:"hung_up"`
	Result     string  `json:"result,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Backend    string  `json:"backend,omitempty"`
	Manager    string  `json:"manager,omitempty"`
	Target     string  `json:"target,omitempty"`
	Connection string  `json:"connection_id,omitempty"`
	CreatedAt  string  `json:"created_at"`
	FinishedAt *string `json:"finished_at"`
}

type attemptRecordResponse struct {
	Manager string `json:"manager"`
	Target  string `json:"target"`
	Managed bool   `json:"managed"`
}

type attemptLogResponse struct {
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Attempt   int    `json:"attempt"`
	Event     string `json:"event"`
	Manager   string `json:"manager,omitempty"`
	Target    string `json:"target,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// continueCallRequest reports why the accepted connection failed.
type continueCallRequest struct {
	Cause  string `json:"cause"`
	Reason string `json:"reason"`
}

func toCallResponse(c callmgr.CallInfo) callResponse {
	resp := callResponse{
		ID:         c.ID,
		Address:    c.Address,
		Emergency:  c.Emergency,
		State:      c.State,
		Attempts:   c.Attempts,
		TimedOut:   c.TimedOut,
		HungUp:     c.HungUp,
		Result:     c.Result,
		Reason:     c.Reason,
		Backend:    c.Backend,
		Manager:    c.Manager,
		Target:     c.Target,
		Connection: c.Connection,
		CreatedAt:  formatTime(c.CreatedAt),
	}
	if c.FinishedAt != nil {
		v := formatTime(*c.FinishedAt)
		resp.FinishedAt = &v
	}
	return resp
}

func toAttemptLogResponse(e models.AttemptLogEntry) attemptLogResponse {
	return attemptLogResponse{
		ID:        e.ID,
		CallID:    e.CallID,
		Attempt:   e.Attempt,
		Event:     e.Event,
		Manager:   e.Manager,
		Target:    e.Target,
		Backend:   e.Backend,
		Cause:     e.Cause,
		Reason:    e.Reason,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

// parseOptionalHandle parses an account handle field, returning the zero
// handle for an empty string.
func parseOptionalHandle(field, value, user string) (telecom.AccountHandle, string) {
	if value == "" {
		return telecom.AccountHandle{}, ""
	}
	h, err := telecom.ParseAccountHandle(value)
	if err != nil {
		return telecom.AccountHandle{}, field + ": " + err.Error()
	}
	h.User = user
	return h, ""
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateAddress("address", req.Address),
		validateStringLen("user", req.User, maxIDLen),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.WaitSeconds < 0 || req.WaitSeconds > maxWaitSeconds {
		writeError(w, http.StatusBadRequest, "wait_seconds must be between 0 and "+strconv.Itoa(maxWaitSeconds))
		return
	}
	target, errMsg := parseOptionalHandle("target_account", req.TargetAccount, req.User)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	preferred, errMsg := parseOptionalHandle("preferred_account", req.PreferredAccount, req.User)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	info, err := s.Calls.Place(r.Context(), callmgr.Request{
		Address:          req.Address,
		TargetAccount:    target,
		PreferredAccount: preferred,
		Emergency:        req.Emergency,
		TestEmergency:    req.TestEmergency,
		SelfManaged:      req.SelfManaged,
		Incoming:         req.Incoming,
		AdhocConference:  req.AdhocConference,
	})
	if err != nil {
		if errors.Is(err, callmgr.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("place call: failed to start", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if req.WaitSeconds > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.WaitSeconds)*time.Second)
		defer cancel()
		waited, err := s.Calls.Wait(ctx, info.ID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, toCallResponse(waited))
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			info = waited
		default:
			s.logger.Error("place call: failed to wait", "error", err, "call_id", info.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, toCallResponse(info))
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	state := r.URL.Query().Get("state")

	calls := s.Calls.List()
	all := make([]callResponse, 0, len(calls))
	for _, c := range calls {
		if state != "" && c.State != state {
			continue
		}
		all = append(all, toCallResponse(c))
	}
	writeJSON(w, http.StatusOK, paginate(all, pg))
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Calls.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(info))
}

// handleAbortCall stops processing, or hangs up a connected call.
func (s *Server) handleAbortCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Calls.Abort(id); err != nil {
		s.writeCallError(w, "abort call", id, err)
		return
	}
	info, ok := s.Calls.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(info))
}

// handleContinueCall resumes a connected call whose connection failed.
func (s *Server) handleContinueCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req := continueCallRequest{Cause: telecom.CauseError.String()}
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}
	code, ok := telecom.ParseCauseCode(req.Cause)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown cause "+req.Cause)
		return
	}
	if errMsg := validateStringLen("reason", req.Reason, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.Calls.Continue(id, telecom.NewCause(code, req.Reason)); err != nil {
		s.writeCallError(w, "continue call", id, err)
		return
	}
	info, _ := s.Calls.Get(id)
	writeJSON(w, http.StatusAccepted, toCallResponse(info))
}

// handleCallAttempts returns the attempt list built for the call.
func (s *Server) handleCallAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.Calls.Attempts(id)
	if err != nil {
		s.writeCallError(w, "call attempts", id, err)
		return
	}
	out := make([]attemptRecordResponse, len(records))
	for i, rec := range records {
		out[i] = attemptRecordResponse{
			Manager: rec.Manager.String(),
			Target:  rec.Target.String(),
			Managed: rec.IsManaged(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCallLog returns the persisted attempt log for a call. It works for
// calls the manager has already forgotten.
func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.AttemptLog.ListByCall(r.Context(), id)
	if err != nil {
		s.logger.Error("call log: failed to query", "error", err, "call_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(entries) == 0 {
		if _, ok := s.Calls.Get(id); !ok {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
	}
	out := make([]attemptLogResponse, len(entries))
	for i, e := range entries {
		out[i] = toAttemptLogResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRecentAttemptLog returns the newest attempt log entries across all
// calls.
func (s *Server) handleRecentAttemptLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLogLen
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRecentLogLen {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxRecentLogLen))
			return
		}
		limit = n
	}

	entries, err := s.AttemptLog.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("attempt log: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]attemptLogResponse, len(entries))
	for i, e := range entries {
		out[i] = toAttemptLogResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeCallError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, callmgr.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, callmgr.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, callmgr.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err, "call_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
