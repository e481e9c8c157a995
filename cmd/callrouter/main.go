package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/flowpbx/callrouter/internal/api"
	"github.com/flowpbx/callrouter/internal/backend"
	"github.com/flowpbx/callrouter/internal/callmgr"
	"github.com/flowpbx/callrouter/internal/config"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/pgstore"
	"github.com/flowpbx/callrouter/internal/focus"
	"github.com/flowpbx/callrouter/internal/metrics"
	"github.com/flowpbx/callrouter/internal/provision"
	"github.com/flowpbx/callrouter/internal/registrar"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const janitorInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting callrouter",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"current_user", cfg.CurrentUser,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	accounts := database.NewAccountRepository(db)
	services := database.NewConnectionServiceRepository(db)
	attemptLog := database.NewAttemptLogRepository(db)
	clients := database.NewAPIClientRepository(db)
	settings, err := database.NewSettingsRepository(appCtx, db)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	if cfg.SeedFile != "" {
		seed, err := provision.LoadFile(cfg.SeedFile)
		if err != nil {
			slog.Error("failed to load seed file", "error", err)
			os.Exit(1)
		}
		repos := provision.Repos{Services: services, Accounts: accounts, Settings: settings, Clients: clients}
		if _, err := provision.Apply(appCtx, seed, repos, logger); err != nil {
			slog.Error("failed to apply seed file", "error", err)
			os.Exit(1)
		}
	}

	secret, err := provision.BootstrapClient(appCtx, clients)
	if err != nil {
		slog.Error("failed to bootstrap api client", "error", err)
		os.Exit(1)
	}
	if secret != "" {
		slog.Warn("created initial api client, store this secret now: it is not shown again",
			"client", provision.BootstrapClientName,
			"secret", secret,
		)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// SIP user agent shared by every connection service.
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callrouter"),
		sipgo.WithUserAgentHostname(cfg.AdvertisedSIPHost()),
	)
	if err != nil {
		slog.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}
	defer ua.Close()

	backends := backend.NewRegistry(services, ua, backend.Options{
		HealthInterval: cfg.HealthInterval,
		LocalHost:      cfg.AdvertisedSIPHost(),
	}, logger)
	defer backends.Close()

	listener, err := backend.NewListener(ua, backends, logger)
	if err != nil {
		slog.Error("failed to create sip listener", "error", err)
		os.Exit(1)
	}
	listener.Start(appCtx, cfg.SIPListenAddr())
	defer listener.Stop()

	// A service that fails to bind is retried on the next reload.
	if err := backends.Reload(appCtx); err != nil {
		slog.Error("some connection services failed to bind", "error", err)
	}

	reg, err := registrar.New(accounts, services, settings, cfg.CurrentUser, logger)
	if err != nil {
		slog.Error("failed to create registrar", "error", err)
		os.Exit(1)
	}

	var mirror database.AttemptLogRepository
	if cfg.AttemptLogDSN != "" {
		store, err := pgstore.New(appCtx, cfg.AttemptLogDSN)
		if err != nil {
			slog.Error("failed to open attempt log mirror", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		mirror = store
	}

	recorder := metrics.NewRecorder()
	arbiter := focus.New(logger)

	calls := callmgr.New(callmgr.Config{
		Routing: routing.Config{
			Registrar:               reg,
			Backends:                backends,
			Focus:                   arbiter,
			Logger:                  logger,
			AttemptTimeout:          cfg.AttemptTimeout,
			EmergencyAttemptTimeout: cfg.EmergencyAttemptTimeout,
			Telephony:               cfg.Telephony,
			EmergencyFallback:       cfg.EmergencyFallbackAccount(),
		},
		AttemptLog: attemptLog,
		Mirror:     mirror,
		Recorder:   recorder,
		Logger:     logger,
	})
	backends.OnRemoteHangup(calls.RemoteHangup)
	callmgr.StartJanitor(appCtx, calls, attemptLog, cfg.AttemptLogRetention, janitorInterval)

	// Prometheus registry with process metrics and callrouter state.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(calls, serviceStatuses(backends), arbiter, startTime),
	)
	if err := recorder.Register(promReg); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		Accounts:   accounts,
		Services:   services,
		Settings:   settings,
		Clients:    clients,
		AttemptLog: attemptLog,
		Calls:      calls,
		Backends:   backends,
		Registrar:  reg,
		Metrics:    promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		JWTSecret:  jwtSecret,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second, // covers wait_seconds on call placement
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	calls.Close()
	appCancel()

	slog.Info("callrouter stopped")
}

// serviceStatuses adapts the backend registry to the metrics collector.
func serviceStatuses(r *backend.Registry) metrics.ServiceStatusFunc {
	return func() []metrics.ServiceStatusEntry {
		statuses := r.Statuses()
		out := make([]metrics.ServiceStatusEntry, len(statuses))
		for i, st := range statuses {
			out[i] = metrics.ServiceStatusEntry{
				Component:  st.Component.String(),
				Name:       st.Name,
				Healthy:    st.Healthy,
				ActiveLegs: st.ActiveLegs,
			}
		}
		return out
	}
}
