package database

import (
	"context"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// Setting keys understood by the registrar.
const (
	// SettingConnectionManager holds the package/class/id handle of the
	// designated delegating connection manager.
	SettingConnectionManager = "connection_manager"
	// SettingOutgoingPrefix is followed by a URI scheme; the value is the
	// default outgoing account handle for that scheme.
	SettingOutgoingPrefix = "outgoing_account."
)

// SettingsRepository manages key-value routing settings.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) ([]models.Setting, error)
}

// AccountKey identifies an account row by its handle.
type AccountKey struct {
	Package  string
	Class    string
	HandleID string
	User     string
}

// AccountRepository manages registered accounts.
type AccountRepository interface {
	Create(ctx context.Context, acct *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByHandle(ctx context.Context, key AccountKey) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	ListByUser(ctx context.Context, user string) ([]models.Account, error)
	Update(ctx context.Context, acct *models.Account) error
	Delete(ctx context.Context, id int64) error
}

// ConnectionServiceRepository manages the SIP connection services that back
// accounts.
type ConnectionServiceRepository interface {
	Create(ctx context.Context, svc *models.ConnectionService) error
	GetByID(ctx context.Context, id int64) (*models.ConnectionService, error)
	GetByComponent(ctx context.Context, pkg, class string) (*models.ConnectionService, error)
	List(ctx context.Context) ([]models.ConnectionService, error)
	ListEnabled(ctx context.Context) ([]models.ConnectionService, error)
	Update(ctx context.Context, svc *models.ConnectionService) error
	Delete(ctx context.Context, id int64) error
}

// AttemptLogRepository stores per-call processor events.
type AttemptLogRepository interface {
	Create(ctx context.Context, entry *models.AttemptLogEntry) error
	ListByCall(ctx context.Context, callID string) ([]models.AttemptLogEntry, error)
	ListRecent(ctx context.Context, limit int) ([]models.AttemptLogEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// APIClientRepository manages API clients.
type APIClientRepository interface {
	Create(ctx context.Context, client *models.APIClient) error
	GetByName(ctx context.Context, name string) (*models.APIClient, error)
	List(ctx context.Context) ([]models.APIClient, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}
