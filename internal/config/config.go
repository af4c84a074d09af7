package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// EndpointConfig describes a single watched ICS feed.
type EndpointConfig struct {
	// Name is the label shown in notification titles.
	Name string `yaml:"name"`
	// Key names the stored snapshot. Derived from Name when empty.
	Key string `yaml:"key,omitempty"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url"`
	// Destination is a Discord webhook URL or channel ID.
	Destination string `yaml:"destination"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the snapshot directory (file) or database file (sqlite).
	// Defaults live under DataDir.
	Path string `yaml:"path,omitempty"`
}

// NotifierConfig selects how change blocks are delivered.
type NotifierConfig struct {
	// Kind is "discord" or "log".
	Kind string `yaml:"kind"`
	// BotToken is needed for channel-ID destinations. Prefer ${VAR} here.
	BotToken string `yaml:"bot_token,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen"`

	// Timezone is the IANA zone floating times are read in and times are
	// displayed in. "Local" uses the system zone.
	Timezone string `yaml:"timezone"`

	// Schedule is a cron spec ("*/10 * * * *") or descriptor ("@every 10m").
	Schedule string `yaml:"schedule"`

	// DataDir holds snapshots and the HTTP cache.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`

	// KeepElapsed reports events that already ended. Off by default so that
	// natural expiry of old events does not produce removal notices.
	KeepElapsed bool `yaml:"keep_elapsed"`

	// BaselineOnFirstRun stores the first snapshot of an endpoint without
	// announcing every event as created.
	BaselineOnFirstRun bool `yaml:"baseline_on_first_run"`

	// MaxParallel bounds how many endpoints one-shot runs process at once.
	MaxParallel int `yaml:"max_parallel"`

	// FetchTimeoutSeconds bounds a single feed download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`

	// TitlePrefix starts every notification title, followed by the endpoint
	// name and the current time.
	TitlePrefix string `yaml:"title_prefix"`

	// Footer is added to every notification when set.
	Footer string `yaml:"footer,omitempty"`

	// MaxLines caps the lines per notification block.
	MaxLines int `yaml:"max_lines"`
	// MaxChars caps the characters per notification block.
	MaxChars int `yaml:"max_chars"`

	// IgnoreProperties are VEVENT properties left out of change detection.
	IgnoreProperties []string `yaml:"ignore_properties"`

	Store    StoreConfig    `yaml:"store"`
	Notifier NotifierConfig `yaml:"notifier"`

	// BasicAuth, if set, protects every status API route except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`

	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Timezone:            "Local",
		Schedule:            "@every 10m",
		DataDir:             "./data",
		LogLevel:            "info",
		MaxParallel:         4,
		FetchTimeoutSeconds: 30,
		TitlePrefix:         "Schedule changes",
		MaxLines:            10,
		MaxChars:            4096,
		IgnoreProperties:    []string{"DTSTAMP"},
		Store:               StoreConfig{Driver: "file"},
		Notifier:            NotifierConfig{Kind: "discord"},
		Endpoints:           []EndpointConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = def.FetchTimeoutSeconds
	}
	if c.TitlePrefix == "" {
		c.TitlePrefix = def.TitlePrefix
	}
	if c.MaxLines <= 0 {
		c.MaxLines = def.MaxLines
	}
	if c.MaxChars <= 0 {
		c.MaxChars = def.MaxChars
	}
	// An explicit empty list means "compare every property".
	if c.IgnoreProperties == nil {
		c.IgnoreProperties = def.IgnoreProperties
	}
	switch c.Store.Driver {
	case "file", "sqlite":
	case "", "files":
		c.Store.Driver = "file"
	case "sqlite3":
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		if c.Store.Driver == "sqlite" {
			c.Store.Path = filepath.Join(c.DataDir, "calwatch.db")
		} else {
			c.Store.Path = filepath.Join(c.DataDir, "snapshots")
		}
	}
	if c.Notifier.Kind == "" {
		c.Notifier.Kind = def.Notifier.Kind
	}
	if c.Endpoints == nil {
		c.Endpoints = []EndpointConfig{}
	}
}

// Validate reports configuration mistakes that would make cycles fail.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Notifier.Kind {
	case "discord", "log":
	default:
		return fmt.Errorf("notifier.kind: unknown notifier %q", c.Notifier.Kind)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	seen := make(map[string]int, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d]: url is empty", i)
		}
		if ep.Name == "" && ep.Key == "" {
			return fmt.Errorf("endpoints[%d]: name or key is required", i)
		}
		key := ep.StoreKey()
		if j, dup := seen[key]; dup {
			return fmt.Errorf("endpoints[%d]: snapshot key %q already used by endpoints[%d]", i, key, j)
		}
		seen[key] = i
	}
	return nil
}

// StoreKey is the explicit key or the filesystem-safe form of Name.
func (e EndpointConfig) StoreKey() string {
	if e.Key != "" {
		return model.SafeKey(e.Key)
	}
	return model.SafeKey(e.Name)
}

// ModelEndpoints converts the configured endpoints.
func (c *Config) ModelEndpoints() []model.Endpoint {
	out := make([]model.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		name := ep.Name
		if name == "" {
			name = ep.Key
		}
		out = append(out, model.Endpoint{
			Key:         ep.StoreKey(),
			Name:        name,
			URL:         ep.URL,
			Destination: ep.Destination,
		})
	}
	return out
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", c.Timezone)
		return time.Local
	}
	return loc
}

// FetchTimeout returns FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// CacheDir is where the fetcher keeps conditional-request state.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "ics-cache")
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. Bare $VAR is left alone because
// webhook URLs and tokens may legitimately contain '$'.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// loadDotEnv loads .env files next to the config and in the working
// directory. Variables already set in the environment win.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			appLog.Error("failed to load env file", err, "path", abs)
		}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - .env files are loaded first and ${VAR} references are expanded
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			cfg.Normalize()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calwatch-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
