// Package provision applies a YAML seed file of connection services,
// accounts, routing settings and API clients to the database.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/flowpbx/callrouter/internal/telecom"
	"gopkg.in/yaml.v3"
)

// Seed is the document read from a provisioning file.
type Seed struct {
	Services []Service         `yaml:"services"`
	Accounts []Account         `yaml:"accounts"`
	Settings map[string]string `yaml:"settings"`
	Clients  []Client          `yaml:"clients"`
}

// Service provisions one connection service.
type Service struct {
	Package            string `yaml:"package"`
	Class              string `yaml:"class"`
	Name               string `yaml:"name"`
	Enabled            *bool  `yaml:"enabled"`
	BindPermission     *bool  `yaml:"bind_permission"`
	Trusted            bool   `yaml:"trusted"`
	SupportsConference bool   `yaml:"supports_conference"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Transport          string `yaml:"transport"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	AuthUsername       string `yaml:"auth_username"`
	CallerIDName       string `yaml:"caller_id_name"`
	CallerIDNum        string `yaml:"caller_id_num"`
	PrefixStrip        int    `yaml:"prefix_strip"`
	PrefixAdd          string `yaml:"prefix_add"`
}

// Account provisions one account. Handle is package/class/id.
type Account struct {
	Handle       string   `yaml:"handle"`
	User         string   `yaml:"user"`
	Label        string   `yaml:"label"`
	Capabilities []string `yaml:"capabilities"`
	Schemes      []string `yaml:"schemes"`
	SlotIndex    *int     `yaml:"slot_index"`
	Enabled      *bool    `yaml:"enabled"`
}

// Client provisions an API client. Existing clients keep their secret.
type Client struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// Repos are the stores a seed is applied to.
type Repos struct {
	Services database.ConnectionServiceRepository
	Accounts database.AccountRepository
	Settings database.SettingsRepository
	Clients  database.APIClientRepository
}

// Result counts what Apply changed.
type Result struct {
	ServicesCreated int
	ServicesUpdated int
	AccountsCreated int
	AccountsUpdated int
	SettingsSet     int
	ClientsCreated  int
}

// LoadFile reads and validates a seed file.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	seed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return seed, nil
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(data []byte) (*Seed, error) {
	seed := &Seed{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return seed, nil
}

// Validate checks every entry before anything is written.
func (s *Seed) Validate() error {
	seen := make(map[string]bool)
	for i, svc := range s.Services {
		if svc.Package == "" || svc.Class == "" {
			return fmt.Errorf("services[%d]: package and class are required", i)
		}
		if svc.Host == "" {
			return fmt.Errorf("services[%d]: host is required", i)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return fmt.Errorf("services[%d]: port %d out of range", i, svc.Port)
		}
		switch strings.ToLower(svc.Transport) {
		case "", "udp", "tcp", "tls":
		default:
			return fmt.Errorf("services[%d]: transport must be udp, tcp or tls", i)
		}
		key := svc.Package + "/" + svc.Class
		if seen[key] {
			return fmt.Errorf("services[%d]: duplicate component %s", i, key)
		}
		seen[key] = true
	}

	for i, a := range s.Accounts {
		if _, err := telecom.ParseAccountHandle(a.Handle); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if _, err := telecom.ParseCapabilities(a.Capabilities); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
	}

	for key, value := range s.Settings {
		if key != database.SettingConnectionManager && !strings.HasPrefix(key, database.SettingOutgoingPrefix) {
			return fmt.Errorf("settings: unknown key %q", key)
		}
		if _, err := telecom.ParseAccountHandle(value); err != nil {
			return fmt.Errorf("settings.%s: %w", key, err)
		}
	}

	for i, c := range s.Clients {
		if c.Name == "" || c.Secret == "" {
			return fmt.Errorf("clients[%d]: name and secret are required", i)
		}
	}
	return nil
}

// Apply upserts the seed into repos. Services and accounts are matched by
// component and handle; matching rows are overwritten.
func Apply(ctx context.Context, seed *Seed, repos Repos, logger *slog.Logger) (Result, error) {
	logger = logger.With("subsystem", "provision")
	var res Result

	for _, in := range seed.Services {
		created, err := applyService(ctx, repos.Services, in)
		if err != nil {
			return res, fmt.Errorf("service %s/%s: %w", in.Package, in.Class, err)
		}
		if created {
			res.ServicesCreated++
		} else {
			res.ServicesUpdated++
		}
	}

	for _, in := range seed.Accounts {
		created, err := applyAccount(ctx, repos.Accounts, in)
		if err != nil {
			return res, fmt.Errorf("account %s: %w", in.Handle, err)
		}
		if created {
			res.AccountsCreated++
		} else {
			res.AccountsUpdated++
		}
	}

	for key, value := range seed.Settings {
		if err := repos.Settings.Set(ctx, key, value); err != nil {
			return res, fmt.Errorf("setting %s: %w", key, err)
		}
		res.SettingsSet++
	}

	for _, in := range seed.Clients {
		existing, err := repos.Clients.GetByName(ctx, in.Name)
		if err != nil {
			return res, fmt.Errorf("client %s: %w", in.Name, err)
		}
		if existing != nil {
			continue
		}
		hash, err := database.HashPassword(in.Secret)
		if err != nil {
			return res, fmt.Errorf("client %s: %w", in.Name, err)
		}
		if err := repos.Clients.Create(ctx, &models.APIClient{Name: in.Name, SecretHash: hash}); err != nil {
			return res, fmt.Errorf("client %s: %w", in.Name, err)
		}
		res.ClientsCreated++
	}

	logger.Info("seed applied",
		"services_created", res.ServicesCreated,
		"services_updated", res.ServicesUpdated,
		"accounts_created", res.AccountsCreated,
		"accounts_updated", res.AccountsUpdated,
		"settings", res.SettingsSet,
		"clients_created", res.ClientsCreated,
	)
	return res, nil
}

func applyService(ctx context.Context, repo database.ConnectionServiceRepository, in Service) (bool, error) {
	svc, err := repo.GetByComponent(ctx, in.Package, in.Class)
	if err != nil {
		return false, err
	}
	created := svc == nil
	if created {
		svc = &models.ConnectionService{}
	}

	svc.Package = in.Package
	svc.Class = in.Class
	svc.Name = in.Name
	if svc.Name == "" {
		svc.Name = in.Package
	}
	svc.Enabled = boolOr(in.Enabled, true)
	svc.BindPermission = boolOr(in.BindPermission, true)
	svc.Trusted = in.Trusted
	svc.SupportsConference = in.SupportsConference
	svc.Host = in.Host
	svc.Port = in.Port
	if svc.Port == 0 {
		svc.Port = 5060
	}
	svc.Transport = strings.ToLower(in.Transport)
	if svc.Transport == "" {
		svc.Transport = "udp"
	}
	svc.Username = in.Username
	svc.Password = in.Password
	svc.AuthUsername = in.AuthUsername
	svc.CallerIDName = in.CallerIDName
	svc.CallerIDNum = in.CallerIDNum
	svc.PrefixStrip = in.PrefixStrip
	svc.PrefixAdd = in.PrefixAdd

	if created {
		return true, repo.Create(ctx, svc)
	}
	return false, repo.Update(ctx, svc)
}

func applyAccount(ctx context.Context, repo database.AccountRepository, in Account) (bool, error) {
	h, err := telecom.ParseAccountHandle(in.Handle)
	if err != nil {
		return false, err
	}
	acct, err := repo.GetByHandle(ctx, database.AccountKey{
		Package: h.Component.Package, Class: h.Component.Class, HandleID: h.ID, User: in.User,
	})
	if err != nil {
		return false, err
	}
	created := acct == nil
	if created {
		acct = &models.Account{}
	}

	caps, _ := telecom.ParseCapabilities(in.Capabilities)
	schemes := in.Schemes
	if len(schemes) == 0 {
		schemes = []string{"tel"}
	}

	acct.Package = h.Component.Package
	acct.Class = h.Component.Class
	acct.HandleID = h.ID
	acct.User = in.User
	acct.Label = in.Label
	acct.Capabilities = strings.Join(caps.Names(), ",")
	acct.Schemes = strings.ToLower(strings.Join(schemes, ","))
	acct.SlotIndex = in.SlotIndex
	acct.Enabled = boolOr(in.Enabled, true)

	if created {
		return true, repo.Create(ctx, acct)
	}
	return false, repo.Update(ctx, acct)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
