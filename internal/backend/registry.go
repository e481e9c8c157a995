package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
)

const defaultHealthInterval = 30 * time.Second

// Options configures the backends created by a Registry.
type Options struct {
	// HealthInterval is the OPTIONS probe interval.
	HealthInterval time.Duration
	// LocalHost is the host put in the From header of outgoing INVITEs.
	LocalHost string
}

// connectFunc creates the SIP transport for a connection service.
type connectFunc func(svc models.ConnectionService) (Transport, error)

// Registry binds one SIPBackend per enabled connection service and resolves
// account handles to them by component name. It implements
// routing.BackendRegistry.
type Registry struct {
	services database.ConnectionServiceRepository
	connect  connectFunc
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	backends map[telecom.ComponentName]*SIPBackend
	onHangup func(callID string)
}

// NewRegistry creates a registry whose backends send SIP through ua.
func NewRegistry(services database.ConnectionServiceRepository, ua *sipgo.UserAgent, opts Options, logger *slog.Logger) *Registry {
	l := logger.With("subsystem", "backend-registry")
	connect := func(svc models.ConnectionService) (Transport, error) {
		return NewSIPTransport(ua, l.With("service", svc.Name))
	}
	return newRegistry(services, connect, opts, l)
}

func newRegistry(services database.ConnectionServiceRepository, connect connectFunc, opts Options, logger *slog.Logger) *Registry {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.LocalHost == "" {
		opts.LocalHost = "localhost"
	}
	return &Registry{
		services: services,
		connect:  connect,
		opts:     opts,
		logger:   logger,
		backends: make(map[telecom.ComponentName]*SIPBackend),
	}
}

// Resolve returns the backend for the handle's connection service.
func (r *Registry) Resolve(h telecom.AccountHandle) (routing.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[h.Component]
	if !ok {
		return nil, false
	}
	return b, true
}

// Reload binds newly enabled services, rebinds services whose configuration
// changed and unbinds services that were removed or disabled.
func (r *Registry) Reload(ctx context.Context) error {
	services, err := r.services.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled connection services: %w", err)
	}

	var (
		started []*SIPBackend
		stale   []*SIPBackend
		errs    []string
	)

	r.mu.Lock()
	next := make(map[telecom.ComponentName]*SIPBackend, len(services))
	for _, svc := range services {
		key := telecom.ComponentName{Package: svc.Package, Class: svc.Class}
		if cur, ok := r.backends[key]; ok && sameEndpoint(cur.svc, svc) {
			next[key] = cur
			continue
		}

		transport, err := r.connect(svc)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", svc.Name, err))
			if cur, ok := r.backends[key]; ok {
				next[key] = cur
			}
			continue
		}
		b := newSIPBackend(svc, transport, r.opts, r.logger)
		next[key] = b
		started = append(started, b)
	}
	for key, cur := range r.backends {
		if next[key] != cur {
			stale = append(stale, cur)
		}
	}
	r.backends = next
	r.mu.Unlock()

	for _, b := range stale {
		b.stop()
	}
	for _, b := range started {
		b.start()
		r.logger.Info("connection service bound",
			"service", b.svc.Name,
			"component", b.Component().String(),
			"host", b.svc.Host,
			"port", b.svc.Port,
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("binding connection services: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Statuses returns the binding state of every bound service, ordered by
// component.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	backends := make([]*SIPBackend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.Status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		return strings.Compare(a.Component.String(), b.Component.String())
	})
	return out
}

// OnRemoteHangup sets the function told about calls whose answered leg was
// hung up by the connection service.
func (r *Registry) OnRemoteHangup(fn func(callID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHangup = fn
}

// RemoteHangup drops the answered leg with the given SIP Call-ID after the
// connection service hung it up. It reports whether a leg was found.
func (r *Registry) RemoteHangup(sipCallID string) bool {
	if sipCallID == "" {
		return false
	}
	r.mu.RLock()
	var (
		callID string
		found  bool
	)
	for _, b := range r.backends {
		if callID, found = b.remoteHangup(sipCallID); found {
			break
		}
	}
	hook := r.onHangup
	r.mu.RUnlock()

	if found && hook != nil {
		hook(callID)
	}
	return found
}

// Close unbinds every service.
func (r *Registry) Close() {
	r.mu.Lock()
	backends := r.backends
	r.backends = make(map[telecom.ComponentName]*SIPBackend)
	r.mu.Unlock()

	for _, b := range backends {
		b.stop()
	}
}

// sameEndpoint reports whether two rows of a service describe the same
// binding, ignoring timestamps.
func sameEndpoint(a, b models.ConnectionService) bool {
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}
