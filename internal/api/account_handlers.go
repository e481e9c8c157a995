package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// accountRequest is the JSON request body for creating/updating an account.
type accountRequest struct {
	Package      string   `json:"package"`
	Class        string   `json:"class"`
	HandleID     string   `json:"handle_id"`
	User         string   `json:"user"`
	Label        string   `json:"label"`
	Capabilities []string `json:"capabilities"`
	Schemes      []string `json:"schemes"`
	SlotIndex    *int     `json:"slot_index"`
	Enabled      *bool    `json:"enabled"`
}

type accountResponse struct {
	ID           int64    `json:"id"`
	Handle       string   `json:"handle"`
	Package      string   `json:"package"`
	Class        string   `json:"class"`
	HandleID     string   `json:"handle_id"`
	User         string   `json:"user"`
	Label        string   `json:"label"`
	Capabilities []string `json:"capabilities"`
	Schemes      []string `json:"schemes"`
	SlotIndex    *int     `json:"slot_index"`
	Enabled      bool     `json:"enabled"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func toAccountResponse(a *models.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		Handle:       a.Package + "/" + a.Class + "/" + a.HandleID,
		Package:      a.Package,
		Class:        a.Class,
		HandleID:     a.HandleID,
		User:         a.User,
		Label:        a.Label,
		Capabilities: splitCSV(a.Capabilities),
		Schemes:      splitCSV(a.Schemes),
		SlotIndex:    a.SlotIndex,
		Enabled:      a.Enabled,
		CreatedAt:    formatTime(a.CreatedAt),
		UpdatedAt:    formatTime(a.UpdatedAt),
	}
}

func validateAccountRequest(req accountRequest) string {
	msg := firstError(
		validateHandlePart("package", req.Package),
		validateHandlePart("class", req.Class),
		validateHandlePart("handle_id", req.HandleID),
		validateStringLen("user", req.User, maxIDLen),
		validateStringLen("label", req.Label, maxNameLen),
		validateCapabilities("capabilities", req.Capabilities),
		validateSchemes("schemes", req.Schemes),
	)
	if msg != "" {
		return msg
	}
	if req.SlotIndex != nil && *req.SlotIndex < 0 {
		return "slot_index must not be negative"
	}
	return ""
}

// applyAccountRequest copies request fields onto m.
func applyAccountRequest(m *models.Account, req accountRequest) {
	m.Package = req.Package
	m.Class = req.Class
	m.HandleID = req.HandleID
	m.User = req.User
	m.Label = req.Label
	m.Capabilities = joinCSV(req.Capabilities)
	m.Schemes = joinCSV(req.Schemes)
	if m.Schemes == "" {
		m.Schemes = "tel"
	}
	m.SlotIndex = req.SlotIndex
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		accounts []models.Account
		err      error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		accounts, err = s.Accounts.ListByUser(r.Context(), user)
	} else {
		accounts, err = s.Accounts.List(r.Context())
	}
	if err != nil {
		s.logger.Error("list accounts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]accountResponse, len(accounts))
	for i := range accounts {
		all[i] = toAccountResponse(&accounts[i])
	}
	writeJSON(w, http.StatusOK, paginate(all, pg))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateAccountRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.Accounts.GetByHandle(r.Context(), database.AccountKey{
		Package: req.Package, Class: req.Class, HandleID: req.HandleID, User: req.User,
	})
	if err != nil {
		s.logger.Error("create account: failed to check handle", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "account with this handle already exists")
		return
	}

	acct := &models.Account{Enabled: true}
	applyAccountRequest(acct, req)
	if err := s.Accounts.Create(r.Context(), acct); err != nil {
		s.logger.Error("create account: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.Accounts.GetByID(r.Context(), acct.ID)
	if err != nil || created == nil {
		s.logger.Error("create account: failed to re-fetch", "error", err, "account_id", acct.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("account registered", "account_id", created.ID, "handle", toAccountResponse(created).Handle)
	s.reloadBackends(r.Context())
	writeJSON(w, http.StatusCreated, toAccountResponse(created))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}

	var req accountRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateAccountRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	other, err := s.Accounts.GetByHandle(r.Context(), database.AccountKey{
		Package: req.Package, Class: req.Class, HandleID: req.HandleID, User: req.User,
	})
	if err != nil {
		s.logger.Error("update account: failed to check handle", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if other != nil && other.ID != acct.ID {
		writeError(w, http.StatusConflict, "account with this handle already exists")
		return
	}

	applyAccountRequest(acct, req)
	if err := s.Accounts.Update(r.Context(), acct); err != nil {
		s.logger.Error("update account: failed to update", "error", err, "account_id", acct.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.Accounts.GetByID(r.Context(), acct.ID)
	if err != nil || updated == nil {
		s.logger.Error("update account: failed to re-fetch", "error", err, "account_id", acct.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("account updated", "account_id", updated.ID)
	s.reloadBackends(r.Context())
	writeJSON(w, http.StatusOK, toAccountResponse(updated))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	if err := s.Accounts.Delete(r.Context(), acct.ID); err != nil {
		s.logger.Error("delete account: failed to delete", "error", err, "account_id", acct.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("account unregistered", "account_id", acct.ID)
	s.reloadBackends(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// loadAccount resolves the {id} URL parameter, writing the error response
// itself when the account cannot be returned.
func (s *Server) loadAccount(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return nil, false
	}
	acct, err := s.Accounts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get account: failed to query", "error", err, "account_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	return acct, true
}

func splitCSV(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinCSV(items []string) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
			parts = append(parts, it)
		}
	}
	return strings.Join(parts, ",")
}
