package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/backend"
	"github.com/flowpbx/callrouter/internal/callmgr"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallManager places and controls calls.
type CallManager interface {
	Place(ctx context.Context, req callmgr.Request) (callmgr.CallInfo, error)
	Get(id string) (callmgr.CallInfo, bool)
	List() []callmgr.CallInfo
	Attempts(id string) ([]routing.AttemptRecord, error)
	Wait(ctx context.Context, id string) (callmgr.CallInfo, error)
	Abort(id string) error
	Continue(id string, cause telecom.DisconnectCause) error
}

// BackendBinder rebinds connection services after configuration changes.
type BackendBinder interface {
	Reload(ctx context.Context) error
	Statuses() []backend.Status
}

// CacheInvalidator drops cached account and service lookups.
type CacheInvalidator interface {
	Invalidate()
}

// Deps holds the handler dependencies.
type Deps struct {
	Accounts   database.AccountRepository
	Services   database.ConnectionServiceRepository
	Settings   database.SettingsRepository
	Clients    database.APIClientRepository
	AttemptLog database.AttemptLogRepository

	Calls     CallManager
	Backends  BackendBinder
	Registrar CacheInvalidator

	// Metrics serves /metrics. Nil disables the endpoint.
	Metrics http.Handler

	JWTSecret []byte
	TokenTTL  time.Duration
	// RateLimit overrides the general API limits, mainly for tests.
	RateLimit *middleware.RateLimitConfig
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	Deps
	router *chi.Mux
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Deps:   deps,
		router: chi.NewRouter(),
		logger: logger.With("subsystem", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.APIHeaders)

	generalCfg := middleware.DefaultRateLimitConfig()
	if s.RateLimit != nil {
		generalCfg = *s.RateLimit
	}
	general := middleware.NewIPRateLimiter(generalCfg)
	auth := middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig())

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(auth)).Post("/auth/token", s.handleIssueToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(general))
			r.Use(middleware.RequireToken(s.JWTSecret))

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.handleListAccounts)
				r.Post("/", s.handleCreateAccount)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAccount)
					r.Put("/", s.handleUpdateAccount)
					r.Delete("/", s.handleDeleteAccount)
				})
			})

			r.Route("/services", func(r chi.Router) {
				r.Get("/", s.handleListServices)
				r.Post("/", s.handleCreateService)
				r.Get("/status", s.handleServiceStatuses)
				r.Post("/reload", s.handleReloadServices)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetService)
					r.Put("/", s.handleUpdateService)
					r.Delete("/", s.handleDeleteService)
				})
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleListSettings)
				r.Put("/", s.handleUpdateSettings)
				r.Delete("/{key}", s.handleDeleteSetting)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handlePlaceCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Delete("/", s.handleAbortCall)
					r.Post("/continue", s.handleContinueCall)
					r.Get("/attempts", s.handleCallAttempts)
					r.Get("/log", s.handleCallLog)
				})
			})

			r.Get("/attempt-log", s.handleRecentAttemptLog)

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", s.handleListClients)
				r.Post("/", s.handleCreateClient)
				r.Delete("/{id}", s.handleDeleteClient)
			})
		})
	})

	s.logger.Debug("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reloadBackends rebinds connection services and drops registrar caches
// after a change to accounts, services or settings.
func (s *Server) reloadBackends(ctx context.Context) {
	if s.Registrar != nil {
		s.Registrar.Invalidate()
	}
	if s.Backends != nil {
		if err := s.Backends.Reload(ctx); err != nil {
			s.logger.Error("rebinding connection services failed", "error", err)
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
