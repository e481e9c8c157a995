package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// serviceRequest is the JSON request body for creating/updating a
// connection service.
type serviceRequest struct {
	Package            string `json:"package"`
	Class              string `json:"class"`
	Name               string `json:"name"`
	Enabled            *bool  `json:"enabled"`
	BindPermission     *bool  `json:"bind_permission"`
	Trusted            bool   `json:"trusted"`
	SupportsConference bool   `json:"supports_conference"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Transport          string `json:"transport"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	AuthUsername       string `json:"auth_username"`
	CallerIDName       string `json:"caller_id_name"`
	CallerIDNum        string `json:"caller_id_num"`
	PrefixStrip        int    `json:"prefix_strip"`
	PrefixAdd          string `json:"prefix_add"`
}

// serviceResponse is the JSON response for a connection service. The
// password is never returned.
type serviceResponse struct {
	ID                 int64  `json:"id"`
	Component          string `json:"component"`
	Package            string `json:"package"`
	Class              string `json:"class"`
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	BindPermission     bool   `json:"bind_permission"`
	Trusted            bool   `json:"trusted"`
	SupportsConference bool   `json:"supports_conference"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Transport          string `json:"transport"`
	Username           string `json:"username"`
	HasPassword        bool   `json:"has_password"`
	AuthUsername       string `json:"auth_username"`
	CallerIDName       string `json:"caller_id_name"`
	CallerIDNum        string `json:"caller_id_num"`
	PrefixStrip        int    `json:"prefix_strip"`
	PrefixAdd          string `json:"prefix_add"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type serviceStatusResponse struct {
	Component   string  `json:"component"`
	Name        string  `json:"name"`
	Healthy     bool    `json:"healthy"`
	LastError   string  `json:"last_error,omitempty"`
	LastCheckAt *string `json:"last_check_at"`
	ActiveLegs  int     `json:"active_legs"`
}

func toServiceResponse(svc *models.ConnectionService) serviceResponse {
	return serviceResponse{
		ID:                 svc.ID,
		Component:          svc.Package + "/" + svc.Class,
		Package:            svc.Package,
		Class:              svc.Class,
		Name:               svc.Name,
		Enabled:            svc.Enabled,
		BindPermission:     svc.BindPermission,
		Trusted:            svc.Trusted,
		SupportsConference: svc.SupportsConference,
		Host:               svc.Host,
		Port:               svc.Port,
		Transport:          svc.Transport,
		Username:           svc.Username,
		HasPassword:        svc.Password != "",
		AuthUsername:       svc.AuthUsername,
		CallerIDName:       svc.CallerIDName,
		CallerIDNum:        svc.CallerIDNum,
		PrefixStrip:        svc.PrefixStrip,
		PrefixAdd:          svc.PrefixAdd,
		CreatedAt:          formatTime(svc.CreatedAt),
		UpdatedAt:          formatTime(svc.UpdatedAt),
	}
}

func validateServiceRequest(req serviceRequest) string {
	msg := firstError(
		validateHandlePart("package", req.Package),
		validateHandlePart("class", req.Class),
		validateRequiredStringLen("name", req.Name, maxNameLen),
		validateHost("host", req.Host),
		validatePort("port", req.Port),
		validateTransport("transport", req.Transport),
		validateStringLen("username", req.Username, maxNameLen),
		validateStringLen("password", req.Password, maxPasswordLen),
		validateStringLen("auth_username", req.AuthUsername, maxNameLen),
		validateStringLen("caller_id_name", req.CallerIDName, maxNameLen),
		validateStringLen("caller_id_num", req.CallerIDNum, maxIDLen),
		validateStringLen("prefix_add", req.PrefixAdd, maxIDLen),
	)
	if msg != "" {
		return msg
	}
	if req.PrefixStrip < 0 {
		return "prefix_strip must not be negative"
	}
	return ""
}

// applyServiceRequest copies request fields onto svc. An empty password on
// update keeps the stored one.
func applyServiceRequest(svc *models.ConnectionService, req serviceRequest) {
	svc.Package = req.Package
	svc.Class = req.Class
	svc.Name = req.Name
	if req.Enabled != nil {
		svc.Enabled = *req.Enabled
	}
	if req.BindPermission != nil {
		svc.BindPermission = *req.BindPermission
	}
	svc.Trusted = req.Trusted
	svc.SupportsConference = req.SupportsConference
	svc.Host = req.Host
	svc.Port = req.Port
	if svc.Port == 0 {
		svc.Port = 5060
	}
	svc.Transport = strings.ToLower(req.Transport)
	if svc.Transport == "" {
		svc.Transport = "udp"
	}
	svc.Username = req.Username
	if req.Password != "" {
		svc.Password = req.Password
	}
	svc.AuthUsername = req.AuthUsername
	svc.CallerIDName = req.CallerIDName
	svc.CallerIDNum = req.CallerIDNum
	svc.PrefixStrip = req.PrefixStrip
	svc.PrefixAdd = req.PrefixAdd
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.Services.List(r.Context())
	if err != nil {
		s.logger.Error("list services: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]serviceResponse, len(services))
	for i := range services {
		out[i] = toServiceResponse(&services[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateServiceRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.Services.GetByComponent(r.Context(), req.Package, req.Class)
	if err != nil {
		s.logger.Error("create service: failed to check component", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a service is already registered for this component")
		return
	}

	svc := &models.ConnectionService{Enabled: true, BindPermission: true}
	applyServiceRequest(svc, req)
	if err := s.Services.Create(r.Context(), svc); err != nil {
		s.logger.Error("create service: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.Services.GetByID(r.Context(), svc.ID)
	if err != nil || created == nil {
		s.logger.Error("create service: failed to re-fetch", "error", err, "service_id", svc.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("connection service created", "service_id", created.ID, "name", created.Name)
	s.reloadBackends(r.Context())
	writeJSON(w, http.StatusCreated, toServiceResponse(created))
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.loadService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toServiceResponse(svc))
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.loadService(w, r)
	if !ok {
		return
	}

	var req serviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateServiceRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	other, err := s.Services.GetByComponent(r.Context(), req.Package, req.Class)
	if err != nil {
		s.logger.Error("update service: failed to check component", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if other != nil && other.ID != svc.ID {
		writeError(w, http.StatusConflict, "a service is already registered for this component")
		return
	}

	applyServiceRequest(svc, req)
	if err := s.Services.Update(r.Context(), svc); err != nil {
		s.logger.Error("update service: failed to update", "error", err, "service_id", svc.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.Services.GetByID(r.Context(), svc.ID)
	if err != nil || updated == nil {
		s.logger.Error("update service: failed to re-fetch", "error", err, "service_id", svc.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("connection service updated", "service_id", updated.ID, "name", updated.Name)
	s.reloadBackends(r.Context())
	writeJSON(w, http.StatusOK, toServiceResponse(updated))
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.loadService(w, r)
	if !ok {
		return
	}
	if err := s.Services.Delete(r.Context(), svc.ID); err != nil {
		s.logger.Error("delete service: failed to delete", "error", err, "service_id", svc.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("connection service deleted", "service_id", svc.ID, "name", svc.Name)
	s.reloadBackends(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleServiceStatuses reports the live binding state of every bound
// service.
func (s *Server) handleServiceStatuses(w http.ResponseWriter, r *http.Request) {
	out := []serviceStatusResponse{}
	if s.Backends != nil {
		for _, st := range s.Backends.Statuses() {
			resp := serviceStatusResponse{
				Component:  st.Component.String(),
				Name:       st.Name,
				Healthy:    st.Healthy,
				LastError:  st.LastError,
				ActiveLegs: st.ActiveLegs,
			}
			if st.LastCheckAt != nil {
				v := formatTime(*st.LastCheckAt)
				resp.LastCheckAt = &v
			}
			out = append(out, resp)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReloadServices rebinds every enabled service from the database.
func (s *Server) handleReloadServices(w http.ResponseWriter, r *http.Request) {
	if s.Registrar != nil {
		s.Registrar.Invalidate()
	}
	if s.Backends != nil {
		if err := s.Backends.Reload(r.Context()); err != nil {
			s.logger.Error("reload services failed", "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) loadService(w http.ResponseWriter, r *http.Request) (*models.ConnectionService, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return nil, false
	}
	svc, err := s.Services.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get service: failed to query", "error", err, "service_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if svc == nil {
		writeError(w, http.StatusNotFound, "service not found")
		return nil, false
	}
	return svc, true
}
