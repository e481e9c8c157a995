// Package registrar answers account and policy questions for call routing
// from the accounts, connection services and settings stored in SQLite.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 512
	queryTimeout     = 2 * time.Second
)

var _ routing.Registrar = (*Registrar)(nil)

// cachedAccount is a cache entry; found is false for handles known to have
// no enabled account.
type cachedAccount struct {
	account telecom.Account
	slot    *int
	found   bool
}

type cachedService struct {
	service models.ConnectionService
	found   bool
}

// Registrar implements routing.Registrar. Lookups are served from LRU
// caches; Invalidate must be called after accounts or services change.
type Registrar struct {
	accounts    database.AccountRepository
	services    database.ConnectionServiceRepository
	settings    database.SettingsRepository
	currentUser string
	logger      *slog.Logger

	accountCache *lru.Cache[telecom.AccountHandle, cachedAccount]
	serviceCache *lru.Cache[telecom.ComponentName, cachedService]
}

// New creates a registrar for currentUser.
func New(
	accounts database.AccountRepository,
	services database.ConnectionServiceRepository,
	settings database.SettingsRepository,
	currentUser string,
	logger *slog.Logger,
) (*Registrar, error) {
	accountCache, err := lru.New[telecom.AccountHandle, cachedAccount](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating account cache: %w", err)
	}
	serviceCache, err := lru.New[telecom.ComponentName, cachedService](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating service cache: %w", err)
	}
	return &Registrar{
		accounts:     accounts,
		services:     services,
		settings:     settings,
		currentUser:  currentUser,
		logger:       logger.With("subsystem", "registrar"),
		accountCache: accountCache,
		serviceCache: serviceCache,
	}, nil
}

// Invalidate drops every cached account and service.
func (r *Registrar) Invalidate() {
	r.accountCache.Purge()
	r.serviceCache.Purge()
}

// CurrentUser returns the user whose accounts are routed.
func (r *Registrar) CurrentUser() string {
	return r.currentUser
}

// HasBindPermission reports whether the connection service behind h is
// enabled and allowed to be bound.
func (r *Registrar) HasBindPermission(h telecom.AccountHandle) bool {
	svc, ok := r.service(h.Component)
	return ok && svc.Enabled && svc.BindPermission
}

// DelegatingManager returns the designated connection manager if it names
// an enabled account with the connection manager capability.
func (r *Registrar) DelegatingManager(call *routing.Call) (telecom.AccountHandle, bool) {
	h, ok := r.handleSetting(database.SettingConnectionManager)
	if !ok {
		return telecom.AccountHandle{}, false
	}
	acct, ok := r.ResolveAccount(h)
	if !ok || !acct.HasCapabilities(telecom.CapConnectionManager) {
		r.logger.Debug("designated connection manager not usable",
			"call_id", call.ID,
			"manager", h.String(),
		)
		return telecom.AccountHandle{}, false
	}
	return acct.Handle, true
}

// ResolveAccount returns the enabled account for h. A handle without a user
// resolves to the current user's account first, then to a shared account.
func (r *Registrar) ResolveAccount(h telecom.AccountHandle) (telecom.Account, bool) {
	c, ok := r.lookup(h)
	if !ok {
		return telecom.Account{}, false
	}
	return c.account, true
}

// AccountsForCurrentUser returns every enabled account visible to the
// current user.
func (r *Registrar) AccountsForCurrentUser() []telecom.Account {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := r.accounts.ListByUser(ctx, r.currentUser)
	if err != nil {
		r.logger.Error("failed to list accounts", "user", r.currentUser, "error", err)
		return nil
	}
	out := make([]telecom.Account, 0, len(rows))
	for _, m := range rows {
		acct, err := AccountFromModel(m)
		if err != nil {
			r.logger.Warn("skipping malformed account", "account_id", m.ID, "error", err)
			continue
		}
		out = append(out, acct)
	}
	return out
}

// OutgoingAccountForScheme returns the default outgoing account configured
// for the URI scheme, if it is enabled and supports the scheme.
func (r *Registrar) OutgoingAccountForScheme(scheme string) (telecom.AccountHandle, bool) {
	if scheme == "" {
		return telecom.AccountHandle{}, false
	}
	h, ok := r.handleSetting(database.SettingOutgoingPrefix + strings.ToLower(scheme))
	if !ok {
		return telecom.AccountHandle{}, false
	}
	acct, ok := r.ResolveAccount(h)
	if !ok || !acct.SupportsScheme(scheme) {
		return telecom.AccountHandle{}, false
	}
	return acct.Handle, true
}

// ManagerNeedsTimeout reports whether attempts through manager must be time
// bounded. Only trusted connection services are exempt.
func (r *Registrar) ManagerNeedsTimeout(_ *routing.Call, manager telecom.AccountHandle) bool {
	svc, ok := r.service(manager.Component)
	return !ok || !svc.Trusted
}

// SlotIndex returns the logical SIM slot of the account.
func (r *Registrar) SlotIndex(h telecom.AccountHandle) (int, bool) {
	c, ok := r.lookup(h)
	if !ok || c.slot == nil || *c.slot < 0 {
		return -1, false
	}
	return *c.slot, true
}

func (r *Registrar) handleSetting(key string) (telecom.AccountHandle, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	v, err := r.settings.Get(ctx, key)
	if err != nil {
		r.logger.Error("failed to read setting", "key", key, "error", err)
		return telecom.AccountHandle{}, false
	}
	if v == "" {
		return telecom.AccountHandle{}, false
	}
	h, err := telecom.ParseAccountHandle(v)
	if err != nil {
		r.logger.Warn("ignoring malformed handle setting", "key", key, "value", v, "error", err)
		return telecom.AccountHandle{}, false
	}
	return h, true
}

func (r *Registrar) lookup(h telecom.AccountHandle) (cachedAccount, bool) {
	if h.IsZero() {
		return cachedAccount{}, false
	}
	if c, ok := r.accountCache.Get(h); ok {
		return c, c.found
	}

	c, err := r.load(h)
	if err != nil {
		// Not cached so the next lookup retries.
		r.logger.Error("failed to load account", "account", h.String(), "error", err)
		return cachedAccount{}, false
	}
	r.accountCache.Add(h, c)
	return c, c.found
}

func (r *Registrar) load(h telecom.AccountHandle) (cachedAccount, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	users := []string{h.User}
	if h.User == "" && r.currentUser != "" {
		users = []string{r.currentUser, ""}
	}
	for _, user := range users {
		m, err := r.accounts.GetByHandle(ctx, database.AccountKey{
			Package:  h.Component.Package,
			Class:    h.Component.Class,
			HandleID: h.ID,
			User:     user,
		})
		if err != nil {
			return cachedAccount{}, err
		}
		if m == nil || !m.Enabled {
			continue
		}
		acct, err := AccountFromModel(*m)
		if err != nil {
			return cachedAccount{}, err
		}
		return cachedAccount{account: acct, slot: m.SlotIndex, found: true}, nil
	}
	return cachedAccount{}, nil
}

func (r *Registrar) service(c telecom.ComponentName) (models.ConnectionService, bool) {
	if cs, ok := r.serviceCache.Get(c); ok {
		return cs.service, cs.found
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	svc, err := r.services.GetByComponent(ctx, c.Package, c.Class)
	if err != nil {
		r.logger.Error("failed to load connection service", "component", c.String(), "error", err)
		return models.ConnectionService{}, false
	}
	cs := cachedService{found: svc != nil}
	if svc != nil {
		cs.service = *svc
	}
	r.serviceCache.Add(c, cs)
	return cs.service, cs.found
}

// AccountFromModel converts a stored account into its routing view.
func AccountFromModel(m models.Account) (telecom.Account, error) {
	caps, err := telecom.ParseCapabilities(splitList(m.Capabilities))
	if err != nil {
		return telecom.Account{}, fmt.Errorf("account %d: %w", m.ID, err)
	}
	return telecom.Account{
		Handle: telecom.AccountHandle{
			Component: telecom.ComponentName{Package: m.Package, Class: m.Class},
			ID:        m.HandleID,
			User:      m.User,
		},
		Label:        m.Label,
		Capabilities: caps,
		Schemes:      splitList(m.Schemes),
		Enabled:      m.Enabled,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
