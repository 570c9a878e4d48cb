package config

import (
	"crypto/rsa"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/firetree/firetree/internal/transport"
	"github.com/firetree/firetree/pkg/auth"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Token       TokenConfig       `yaml:"token"`
	Transport   TransportConfig   `yaml:"transport"`
	Emulator    EmulatorConfig    `yaml:"emulator"`
	Audit       AuditConfig       `yaml:"audit"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// CredentialsConfig names the service account and where its key lives.
// Either KeyFile (a Google JSON key) or ServiceAccount plus PrivateKey or
// PrivateKeyFile may be set. With none of them the FIRETREE_* environment
// variables are used.
type CredentialsConfig struct {
	ServiceAccount string `yaml:"service_account"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	KeyFile        string `yaml:"key_file"`
	DatabaseURL    string `yaml:"database_url"`
}

// TokenConfig controls the assertion exchange.
type TokenConfig struct {
	Endpoint string `yaml:"endpoint"`
	Scope    string `yaml:"scope"`
	// RefreshInterval defaults to the assertion lifetime minus Slack.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Slack           time.Duration `yaml:"slack"`
}

// TransportConfig contains outbound HTTP settings.
type TransportConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	UTLS      bool          `yaml:"utls"`
}

// EmulatorConfig configures `firetree emulate`.
type EmulatorConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Storage         string        `yaml:"storage"` // "memory" or "sqlite"
	DBPath          string        `yaml:"db_path"`
	RequireAuth     bool          `yaml:"require_auth"`
	PublicKeyFile   string        `yaml:"public_key_file"`
	ServiceAccount  string        `yaml:"service_account"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuditConfig controls the SQLite audit trail.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	// Label prefixes every message, to tell several deployments apart.
	Label string `yaml:"label"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1"
	}
	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if err := c.Token.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Emulator.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Validate checks that at most one key source is configured.
func (c *CredentialsConfig) Validate() error {
	if c.PrivateKey != "" && c.PrivateKeyFile != "" {
		return fmt.Errorf("credentials: private_key and private_key_file are mutually exclusive")
	}
	if c.KeyFile != "" && (c.PrivateKey != "" || c.PrivateKeyFile != "") {
		return fmt.Errorf("credentials: key_file cannot be combined with private_key or private_key_file")
	}
	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("credentials: invalid database_url %q", c.DatabaseURL)
		}
	}
	return nil
}

// IsEmpty reports whether nothing was configured, in which case Resolve
// falls back to the environment.
func (c *CredentialsConfig) IsEmpty() bool {
	return c.ServiceAccount == "" && c.PrivateKey == "" && c.PrivateKeyFile == "" && c.KeyFile == ""
}

// Resolve builds auth.Credentials from whichever source is configured.
func (c *CredentialsConfig) Resolve() (auth.Credentials, error) {
	if c.IsEmpty() {
		creds, err := auth.CredentialsFromEnv()
		if err != nil {
			return auth.Credentials{}, err
		}
		if c.DatabaseURL != "" {
			return auth.NewCredentials(creds.ServiceAccount, creds.PrivateKeyPEM, c.DatabaseURL)
		}
		return creds, nil
	}

	if c.KeyFile != "" {
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return auth.Credentials{}, fmt.Errorf("read key file: %w", err)
		}
		return auth.CredentialsFromJSON(data, c.DatabaseURL)
	}

	key := []byte(strings.ReplaceAll(c.PrivateKey, `\n`, "\n"))
	if c.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return auth.Credentials{}, fmt.Errorf("read private key: %w", err)
		}
		key = data
	}
	return auth.NewCredentials(c.ServiceAccount, key, c.DatabaseURL)
}

// Validate validates token configuration and applies defaults.
func (t *TokenConfig) Validate() error {
	if t.Endpoint == "" {
		t.Endpoint = auth.TokenEndpoint
	}
	if u, err := url.Parse(t.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("token: invalid endpoint %q", t.Endpoint)
	}
	if t.Scope == "" {
		t.Scope = auth.DefaultScope
	}
	if t.Slack <= 0 {
		t.Slack = auth.DefaultSlack
	}
	if t.Slack >= auth.AssertionLifetime {
		return fmt.Errorf("token: slack must be shorter than %s", auth.AssertionLifetime)
	}
	if t.RefreshInterval <= 0 {
		t.RefreshInterval = auth.AssertionLifetime - t.Slack
	}
	if t.RefreshInterval >= auth.AssertionLifetime {
		return fmt.Errorf("token: refresh_interval must be shorter than %s", auth.AssertionLifetime)
	}
	return nil
}

// Validate validates transport configuration and applies defaults.
func (t *TransportConfig) Validate() error {
	if t.Timeout <= 0 {
		t.Timeout = transport.DefaultTimeout
	}
	if t.UserAgent == "" {
		t.UserAgent = transport.DefaultUserAgent
	}
	return nil
}

// Options converts the section into transport options.
func (t TransportConfig) Options() transport.Options {
	return transport.Options{Timeout: t.Timeout, UserAgent: t.UserAgent, UseUTLS: t.UTLS}
}

// Validate validates emulator configuration and applies defaults.
func (e *EmulatorConfig) Validate() error {
	if e.Host == "" {
		e.Host = "127.0.0.1"
	}
	if e.Port == 0 {
		e.Port = 9000
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("emulator: invalid port %d", e.Port)
	}
	switch e.Storage {
	case "":
		e.Storage = "memory"
	case "memory", "sqlite":
	default:
		return fmt.Errorf("emulator: storage must be memory or sqlite, got %q", e.Storage)
	}
	if e.Storage == "sqlite" && e.DBPath == "" {
		e.DBPath = "firetree.db"
	}
	if e.TokenTTL <= 0 {
		e.TokenTTL = time.Hour
	}
	if e.ShutdownTimeout <= 0 {
		e.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Addr returns host:port.
func (e EmulatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// LoadPublicKey reads PublicKeyFile, which may hold either half of the key pair.
func (e EmulatorConfig) LoadPublicKey() (*rsa.PublicKey, error) {
	if e.PublicKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(e.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return auth.PublicKeyFromPEM(data)
}

// Validate validates audit configuration and applies defaults.
func (a *AuditConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.DBPath == "" {
		a.DBPath = "firetree_audit.db"
	}
	if a.RetentionDays <= 0 {
		a.RetentionDays = 30
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("telegram: bot_token is required when enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("telegram: chat_id is required when enabled")
	}
	if t.Label == "" {
		t.Label = "firetree"
	}
	return nil
}

// Validate applies the default namespace.
func (m *MetricsConfig) Validate() error {
	if m.Namespace == "" {
		m.Namespace = "firetree"
	}
	return nil
}

// Validate checks the level name and applies defaults.
func (l *LogConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "warning", "error", "off":
	default:
		return fmt.Errorf("log: unknown level %q", l.Level)
	}
	if l.Service == "" {
		l.Service = "firetree"
	}
	return nil
}
