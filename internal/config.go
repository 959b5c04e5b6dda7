package internal

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/cache"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Store backends.
const (
	BackendPostgREST = "postgrest"
	BackendSQLite    = "sqlite"
)

// Environment variables consulted when the store section leaves the remote
// endpoint or its credential empty. Keys are tried in order.
const envURL = "SUPABASE_URL"

var envKeys = []string{"SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_ANON_KEY", "SUPABASE_KEY"}

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	Store StoreConfig       `yaml:"store"`
	Cache CacheConfig       `yaml:"cache"`
	Auth  AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel  slog.Level `yaml:"log_level"`
	Transport string     `yaml:"transport"`
	HTTP      HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Transport, validation.In(TransportStdio, TransportHTTP)),
	); err != nil {
		return err
	}
	if c.Transport == TransportHTTP {
		return c.HTTP.Validate()
	}
	return nil
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig selects and configures the data gateway.
//
// Backend "postgrest" talks to a Supabase-style REST endpoint and needs URL
// and Key; empty values are filled from SUPABASE_* environment variables.
// Backend "sqlite" keeps the same tables in a local file.
type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	URL        string        `yaml:"url"`
	Key        string        `yaml:"key"`
	Timeout    time.Duration `yaml:"timeout"`
	SQLitePath string        `yaml:"sqlite_path"`
	Watch      bool          `yaml:"watch"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendPostgREST
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.In(BackendPostgREST, BackendSQLite)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}

	switch c.Backend {
	case BackendSQLite:
		return validation.ValidateStruct(c,
			validation.Field(&c.SQLitePath, validation.Required),
		)
	default:
		c.fillFromEnv()
		if c.URL == "" || c.Key == "" {
			return fmt.Errorf("%w: remote store needs a url and key (set %s and one of %s)",
				apperr.ErrConfig, envURL, strings.Join(envKeys, ", "))
		}
		return nil
	}
}

func (c *StoreConfig) fillFromEnv() {
	if c.URL == "" {
		c.URL = strings.TrimSpace(os.Getenv(envURL))
	}
	if c.Key == "" {
		for _, name := range envKeys {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				c.Key = v
				return
			}
		}
	}
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxEntries, validation.Required, validation.Min(1)),
	)
}

// AuthConfig holds authentication configuration for the HTTP transport.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:  slog.LevelInfo,
			Transport: TransportStdio,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Backend:    BackendPostgREST,
			Timeout:    15 * time.Second,
			SQLitePath: "./voicenotes.db",
		},
		Cache: CacheConfig{
			TTL:        cache.DefaultTTL,
			MaxEntries: cache.DefaultMaxEntries,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
