package api

import (
	"net/http"
	"strings"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/go-chi/chi/v5"
)

// handleListSettings returns every routing setting as a key/value map.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.Settings.GetAll(r.Context())
	if err != nil {
		s.logger.Error("list settings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make(map[string]string, len(all))
	for _, st := range all {
		out[st.Key] = st.Value
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpdateSettings upserts the given keys. Every value is an account
// handle in package/class/id form.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings provided")
		return
	}
	for key, value := range req {
		if errMsg := validateSetting(key, value); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	for key, value := range req {
		if err := s.Settings.Set(r.Context(), key, value); err != nil {
			s.logger.Error("update settings: failed to set", "error", err, "key", key)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	s.logger.Info("routing settings updated", "keys", len(req))
	if s.Registrar != nil {
		s.Registrar.Invalidate()
	}
	s.handleListSettings(w, r)
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if errMsg := validateSettingKey(key); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.Settings.Delete(r.Context(), key); err != nil {
		s.logger.Error("delete setting: failed to delete", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.Registrar != nil {
		s.Registrar.Invalidate()
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateSettingKey(key string) string {
	if key == database.SettingConnectionManager {
		return ""
	}
	if scheme, ok := strings.CutPrefix(key, database.SettingOutgoingPrefix); ok {
		if msg := validateSchemes(key, []string{scheme}); msg != "" {
			return "unknown setting " + key
		}
		return ""
	}
	return "unknown setting " + key
}

func validateSetting(key, value string) string {
	if msg := validateSettingKey(key); msg != "" {
		return msg
	}
	if _, err := telecom.ParseAccountHandle(value); err != nil {
		return key + ": " + err.Error()
	}
	return ""
}
