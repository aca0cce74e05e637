// Package config loads the daemon configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/model"
)

// EnvPrefix prefixes environment overrides, e.g. MAILSYNC_LOG_LEVEL.
const EnvPrefix = "MAILSYNC"

// Credential backends.
const (
	BackendStatic       = "static"
	BackendKeyring      = "keyring"
	BackendTokenService = "token_service"
)

// StoreConfig locates the databases.
type StoreConfig struct {
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the data directory holding state.db and mail.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// StatePath is the sync state database.
func (s StoreConfig) StatePath() string { return filepath.Join(s.Path, "state.db") }

// MailPath is the local message store database.
func (s StoreConfig) MailPath() string { return filepath.Join(s.Path, "mail.db") }

type SchedulerConfig struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxConcurrency      int64         `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Jitter              float64       `mapstructure:"jitter" yaml:"jitter"`
	OpTimeout           time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	MaxProtocolFailures int           `mapstructure:"max_protocol_failures" yaml:"max_protocol_failures"`
}

type QueueConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	RetryBase       time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	TrustLocalClock bool          `mapstructure:"trust_local_clock" yaml:"trust_local_clock"`
}

type NATSConfig struct {
	// URL is empty when events stay in process.
	URL    string `mapstructure:"url" yaml:"url"`
	Stream string `mapstructure:"stream" yaml:"stream"`
}

type APIConfig struct {
	Listen    string `mapstructure:"listen" yaml:"listen"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url" yaml:"jwks_url"`
}

type CredentialsConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	KeyringDir      string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
	KeyringPassword string `mapstructure:"keyring_password" yaml:"keyring_password"`
	TokenURL        string `mapstructure:"token_url" yaml:"token_url"`
	ServiceToken    string `mapstructure:"service_token" yaml:"service_token"`
}

type EndpointConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// TLS selects implicit TLS; false means STARTTLS. Unset means true.
	TLS *bool `mapstructure:"tls" yaml:"tls"`
}

func (e EndpointConfig) endpoint() model.Endpoint {
	tls := true
	if e.TLS != nil {
		tls = *e.TLS
	}
	return model.Endpoint{Host: e.Host, Port: e.Port, TLS: tls}
}

// AccountConfig is one synced mailbox.
type AccountConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
	Username string `mapstructure:"username" yaml:"username"`
	// Password and AccessToken are read by the static credential backend.
	Password     string         `mapstructure:"password" yaml:"password"`
	AccessToken  string         `mapstructure:"access_token" yaml:"access_token"`
	Host         string         `mapstructure:"host" yaml:"host"`
	Port         int            `mapstructure:"port" yaml:"port"`
	TLS          *bool          `mapstructure:"tls" yaml:"tls"`
	SMTP         EndpointConfig `mapstructure:"smtp" yaml:"smtp"`
	Folders      []string       `mapstructure:"folders" yaml:"folders"`
	PushFolders  []string       `mapstructure:"push_folders" yaml:"push_folders"`
	PollInterval time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	// User is the remote user id for Gmail and Graph.
	User string `mapstructure:"user" yaml:"user"`
}

// Account converts the entry into the engine's account.
func (a AccountConfig) Account() model.Account {
	return model.Account{
		ID:           a.ID,
		Protocol:     model.Protocol(a.Protocol),
		Username:     a.Username,
		User:         a.User,
		Endpoint:     EndpointConfig{Host: a.Host, Port: a.Port, TLS: a.TLS}.endpoint(),
		SMTP:         a.SMTP.endpoint(),
		Folders:      a.Folders,
		PushFolders:  a.PushFolders,
		PollInterval: a.PollInterval,
	}
}

// Config is the top-level daemon configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string            `mapstructure:"log_format" yaml:"log_format"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	NATS        NATSConfig        `mapstructure:"nats" yaml:"nats"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Accounts    []AccountConfig   `mapstructure:"accounts" yaml:"accounts"`
}

// FindAccount returns the account entry with the given id.
func (c *Config) FindAccount(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data")
	v.SetDefault("scheduler.interval", 5*time.Minute)
	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.base_backoff", 5*time.Second)
	v.SetDefault("scheduler.max_backoff", 5*time.Minute)
	v.SetDefault("scheduler.jitter", 0.2)
	v.SetDefault("scheduler.op_timeout", 30*time.Second)
	v.SetDefault("scheduler.fetch_timeout", 5*time.Minute)
	v.SetDefault("scheduler.max_protocol_failures", 5)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.batch_size", 100)
	v.SetDefault("queue.retry_base", 5*time.Second)
	v.SetDefault("queue.trust_local_clock", true)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAIL_SYNC_EVENTS")
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwks_url", "")
	v.SetDefault("credentials.backend", BackendStatic)
	v.SetDefault("credentials.keyring_dir", "")
	v.SetDefault("credentials.keyring_password", "")
	v.SetDefault("credentials.token_url", "")
	v.SetDefault("credentials.service_token", "")
}

// Load reads the YAML file at path. A missing file yields the defaults;
// MAILSYNC_* environment variables override scalar keys either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or sqlite3", c.Store.Driver))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want console or json", c.LogFormat))
	}
	switch c.Credentials.Backend {
	case BackendStatic, BackendKeyring:
	case BackendTokenService:
		if c.Credentials.TokenURL == "" {
			errs = append(errs, errors.New("credentials.token_url is required for the token_service backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.backend %q: want static, keyring or token_service", c.Credentials.Backend))
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.jitter %v: want [0, 1)", c.Scheduler.Jitter))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts %d: want at least 1", c.Queue.MaxAttempts))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: missing id", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true

		p := model.Protocol(a.Protocol)
		if !p.Valid() {
			errs = append(errs, fmt.Errorf("account %s: unknown protocol %q", a.ID, a.Protocol))
			continue
		}
		if (p == model.ProtocolIMAP || p == model.ProtocolPOP3) && a.Host == "" {
			errs = append(errs, fmt.Errorf("account %s: %s needs a host", a.ID, p))
		}
		if a.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("account %s: negative poll_interval", a.ID))
		}
	}
	return errors.Join(errs...)
}
