package api

import (
	"net/http"
	"strconv"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/go-chi/chi/v5"
)

type tokenRequest struct {
	ClientName   string `json:"client_name"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

type clientRequest struct {
	Name string `json:"name"`
}

type clientResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// clientCreatedResponse carries the generated secret. It is only ever shown
// once.
type clientCreatedResponse struct {
	clientResponse
	Secret string `json:"secret"`
}

// handleIssueToken exchanges API client credentials for a bearer token.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.ClientName == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "client_name and client_secret are required")
		return
	}
	if len(req.ClientSecret) > maxPasswordLen {
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	client, err := s.Clients.GetByName(r.Context(), req.ClientName)
	if err != nil {
		s.logger.Error("issue token: failed to query client", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if client == nil {
		s.logger.Warn("token request for unknown client", "client", req.ClientName)
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	ok, err := database.CheckPassword(req.ClientSecret, client.SecretHash)
	if err != nil {
		s.logger.Error("issue token: stored secret hash is malformed", "error", err, "client_id", client.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("token request with wrong secret", "client", client.Name)
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.JWTSecret, client.ID, client.Name, s.TokenTTL)
	if err != nil {
		s.logger.Error("issue token: failed to sign", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("api token issued", "client", client.Name)
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: formatTime(expiresAt),
	})
}

func toClientResponse(c *models.APIClient) clientResponse {
	return clientResponse{ID: c.ID, Name: c.Name, CreatedAt: formatTime(c.CreatedAt)}
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.Clients.List(r.Context())
	if err != nil {
		s.logger.Error("list clients: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]clientResponse, len(clients))
	for i := range clients {
		out[i] = toClientResponse(&clients[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateClient registers an API client with a generated secret.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandlePart("name", req.Name); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.Clients.GetByName(r.Context(), req.Name)
	if err != nil {
		s.logger.Error("create client: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "client already exists")
		return
	}

	secret, err := database.GenerateSecret()
	if err != nil {
		s.logger.Error("create client: failed to generate secret", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	hash, err := database.HashPassword(secret)
	if err != nil {
		s.logger.Error("create client: failed to hash secret", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	client := &models.APIClient{Name: req.Name, SecretHash: hash}
	if err := s.Clients.Create(r.Context(), client); err != nil {
		s.logger.Error("create client: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	created, err := s.Clients.GetByName(r.Context(), req.Name)
	if err != nil || created == nil {
		s.logger.Error("create client: failed to re-fetch", "error", err, "client_id", client.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("api client created", "client_id", created.ID, "client", created.Name)
	writeJSON(w, http.StatusCreated, clientCreatedResponse{
		clientResponse: toClientResponse(created),
		Secret:         secret,
	})
}

// handleDeleteClient removes an API client. Tokens already issued to it stay
// valid until they expire.
func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}
	if caller, ok := middleware.ClientFromContext(r.Context()); ok && caller.ID == id {
		writeError(w, http.StatusConflict, "cannot delete the client making the request")
		return
	}
	if err := s.Clients.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete client: failed to delete", "error", err, "client_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("api client deleted", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}
