package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// Config holds all runtime configuration for the callrouter daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	SIPPort   int
	SIPHost   string // host advertised in From/Contact headers of outgoing INVITEs
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
	JWTSecret string // hex-encoded 32-byte secret for API bearer tokens

	AttemptTimeout          time.Duration
	EmergencyAttemptTimeout time.Duration
	HealthInterval          time.Duration // OPTIONS probe interval for connection services
	AttemptLogRetention     time.Duration // 0 keeps attempt log rows forever

	CurrentUser       string // user whose accounts are visible to emergency routing
	Telephony         bool   // device can place calls over a SIM subscription
	EmergencyFallback string // package/class/id of the account synthesized for emergency calls

	AttemptLogDSN string // optional PostgreSQL DSN mirroring the attempt log
	SeedFile      string // optional YAML provisioning file applied at startup
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultSIPPort          = 5060
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultAttemptTimeout   = 25 * time.Second
	defaultEmergencyTimeout = 25 * time.Second
	defaultHealthInterval   = 30 * time.Second
	defaultLogRetention     = 7 * 24 * time.Hour
)

// envPrefix is the prefix for all callrouter environment variables.
const envPrefix = "CALLROUTER_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse is Load with explicit arguments.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callrouter", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP UDP port for outgoing transactions")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "host advertised in SIP headers (defaults to the machine hostname)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", defaultAttemptTimeout, "how long a manager-mediated attempt may wait for an answer")
	fs.DurationVar(&cfg.EmergencyAttemptTimeout, "emergency-attempt-timeout", defaultEmergencyTimeout, "attempt window for emergency calls")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", defaultHealthInterval, "interval between OPTIONS health checks")
	fs.DurationVar(&cfg.AttemptLogRetention, "attempt-log-retention", defaultLogRetention, "delete attempt log entries older than this (0 disables)")
	fs.StringVar(&cfg.CurrentUser, "current-user", "", "user whose accounts are used for emergency routing")
	fs.BoolVar(&cfg.Telephony, "telephony", true, "device has SIM telephony")
	fs.StringVar(&cfg.EmergencyFallback, "emergency-fallback", "", "package/class/id of the emergency account to synthesize when none are registered")
	fs.StringVar(&cfg.AttemptLogDSN, "attempt-log-dsn", "", "PostgreSQL DSN for mirroring the attempt log")
	fs.StringVar(&cfg.SeedFile, "seed-file", "", "YAML file with accounts and services to provision at startup")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present. Values go through the flag's own
// parser so a malformed variable is reported the same way a bad flag is.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := f.Value.Set(val); serr != nil {
			err = fmt.Errorf("parsing %s: %w", envName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt-timeout must be positive, got %s", c.AttemptTimeout)
	}
	if c.EmergencyAttemptTimeout <= 0 {
		return fmt.Errorf("emergency-attempt-timeout must be positive, got %s", c.EmergencyAttemptTimeout)
	}
	if c.HealthInterval < time.Second {
		return fmt.Errorf("health-interval must be at least 1s, got %s", c.HealthInterval)
	}

	if c.AttemptLogRetention < 0 {
		return fmt.Errorf("attempt-log-retention must not be negative, got %s", c.AttemptLogRetention)
	}

	if c.EmergencyFallback != "" {
		if _, err := telecom.ParseAccountHandle(c.EmergencyFallback); err != nil {
			return fmt.Errorf("emergency-fallback: %w", err)
		}
	}

	return nil
}

// EmergencyFallbackAccount returns the account the router synthesizes for
// emergency calls when no accounts are registered, or the zero account if
// none is configured.
func (c *Config) EmergencyFallbackAccount() telecom.Account {
	if c.EmergencyFallback == "" {
		return telecom.Account{}
	}
	h, err := telecom.ParseAccountHandle(c.EmergencyFallback)
	if err != nil {
		return telecom.Account{}
	}
	h.User = c.CurrentUser
	return telecom.Account{
		Handle:       h,
		Label:        "Emergency",
		Capabilities: telecom.CapSIMSubscription | telecom.CapPlaceEmergencyCalls,
		Schemes:      []string{"tel"},
		Enabled:      true,
	}
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AdvertisedSIPHost returns the host to put in SIP headers. It defaults to
// the machine hostname.
func (c *Config) AdvertisedSIPHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SIPListenAddr returns the local address for the SIP client transport.
func (c *Config) SIPListenAddr() string {
	return "0.0.0.0:" + strconv.Itoa(c.SIPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
