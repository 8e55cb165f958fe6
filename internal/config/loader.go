package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"zstudio/internal/common/fsutil"
	"zstudio/internal/settings"
)

// Duration is a time.Duration that decodes from strings like "90s" in every
// supported format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds client parameters. Zero values mean "unspecified" and are
// replaced by Resolve.
type Config struct {
	BaseURL  string `json:"base_url" yaml:"base_url" toml:"base_url"`
	WSURL    string `json:"ws_url" yaml:"ws_url" toml:"ws_url"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	LoadTimeout    Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`

	ReconnectAttempts int      `json:"reconnect_attempts" yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectBackoff  Duration `json:"reconnect_backoff" yaml:"reconnect_backoff" toml:"reconnect_backoff"`

	// ReadyPatterns replace the built-in model-ready patterns when set.
	ReadyPatterns []string `json:"ready_patterns" yaml:"ready_patterns" toml:"ready_patterns"`
	// SettingsFile persists generation settings between runs when set.
	SettingsFile string `json:"settings_file" yaml:"settings_file" toml:"settings_file"`
	// Defaults seeds the generation settings before any persisted values.
	Defaults *settings.Settings `json:"defaults" yaml:"defaults" toml:"defaults"`
}

// Defaults for unspecified fields.
const (
	DefaultBaseURL          = "http://127.0.0.1:8000"
	DefaultLogLevel         = "info"
	DefaultLoadTimeout      = 5 * time.Minute
	DefaultRequestTimeout   = 10 * time.Minute
	DefaultReconnectBackoff = 2 * time.Second
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// DefaultPath returns the first existing config file under the user config
// directory, or "" when there is none.
func DefaultPath() string {
	dir, err := fsutil.ConfigDir("zstudio")
	if err != nil {
		return ""
	}
	return fsutil.FirstExisting(dir, "config.yaml", "config.yml", "config.toml", "config.json")
}

// Resolve fills unspecified fields with defaults and derives the websocket
// URL from the base URL when it is not set.
func (c Config) Resolve() (Config, error) {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WSURL == "" {
		ws, err := DeriveWSURL(c.BaseURL)
		if err != nil {
			return c, err
		}
		c.WSURL = ws
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = Duration(DefaultLoadTimeout)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = Duration(DefaultReconnectBackoff)
	}
	if c.SettingsFile != "" {
		p, err := fsutil.ExpandHome(c.SettingsFile)
		if err != nil {
			return c, err
		}
		c.SettingsFile = p
	}
	if c.Defaults == nil {
		d := settings.Defaults()
		c.Defaults = &d
	} else {
		d := c.Defaults.Clamped()
		c.Defaults = &d
	}
	return c, c.Validate()
}

// Validate reports every invalid field, joined with errors.Join.
func (c Config) Validate() error {
	var errs []error
	if err := checkURL("base_url", c.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.WSURL != "" {
		if err := checkURL("ws_url", c.WSURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect_attempts must be >= 0, got %d", c.ReconnectAttempts))
	}
	if c.LoadTimeout < 0 || c.RequestTimeout < 0 || c.ReconnectBackoff < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// DeriveWSURL maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %v, got %q", field, schemes, u.Scheme)
}
