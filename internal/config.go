package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/annocollab/internal/backend"
	"github.com/starford/annocollab/internal/changemanager"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

var httpURL = regexp.MustCompile(`^https?://[^\s]+$`)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Imports  ImportsConfig     `yaml:"imports"`
	Auth     AuthConfig        `yaml:"auth"`
	Client   ClientConfig      `yaml:"client"`
	Ontology OntologyConfig    `yaml:"ontology"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Imports.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Client.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
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

// SQLiteConfig holds the change log database location.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ImportsConfig holds the watched directory of FASTA and GFF3 files.
type ImportsConfig struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the imports configuration.
func (c *ImportsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
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

// ClientConfig configures the session behind the mcp command.
type ClientConfig struct {
	// ServerURL is the collaboration server API root. Empty runs without a
	// collaboration backend.
	ServerURL       string                  `yaml:"server_url"`
	AuthToken       string                  `yaml:"auth_token"`
	UserName        string                  `yaml:"user_name"`
	HistorySize     int                     `yaml:"history_size"`
	ReconnectDelay  time.Duration           `yaml:"reconnect_delay"`
	LocalDir        string                  `yaml:"local_dir"`
	LocalAssemblies []backend.LocalAssembly `yaml:"local_assemblies"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Match(httpURL).Error("must be an http or https URL")),
		validation.Field(&c.UserName, validation.Required),
		validation.Field(&c.HistorySize, validation.Min(1)),
		validation.Field(&c.ReconnectDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.LocalDir, validation.When(len(c.LocalAssemblies) > 0, validation.Required)),
	); err != nil {
		return err
	}
	for i := range c.LocalAssemblies {
		a := &c.LocalAssemblies[i]
		err := validation.ValidateStruct(a,
			validation.Field(&a.ID, validation.Required),
			validation.Field(&a.Name, validation.Required),
			validation.Field(&a.FastaPath, validation.When(a.GFF3Path == "", validation.Required)),
		)
		if err != nil {
			return fmt.Errorf("client: local assembly %d: %w", i, err)
		}
	}
	return nil
}

// OntologyConfig points at an optional YAML term file. Empty uses the
// built-in Sequence Ontology subset.
type OntologyConfig struct {
	Path string `yaml:"path"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./annocollab.db",
		},
		Imports: ImportsConfig{
			Path:     "./imports",
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Client: ClientConfig{
			UserName:       "anonymous",
			HistorySize:    changemanager.DefaultHistorySize,
			ReconnectDelay: 2 * time.Second,
			LocalDir:       "./local",
		},
	}
}
