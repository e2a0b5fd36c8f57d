package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Config holds the credkeep configuration. Durations are Go duration
// strings ("30s", "5m"); empty fields fall back to defaults in Settings.
type Config struct {
	AccountID    string `json:"account_id,omitempty"`
	CachePath    string `json:"cache_path,omitempty"`
	TemplatePath string `json:"template_path,omitempty"`
	LockDir      string `json:"lock_dir,omitempty"`

	RemoteBackend   string `json:"remote_backend,omitempty"`
	SQLitePath      string `json:"sqlite_path,omitempty"`
	MongoURI        string `json:"mongo_uri,omitempty"`
	MongoDatabase   string `json:"mongo_database,omitempty"`
	MongoCollection string `json:"mongo_collection,omitempty"`
	EncryptKey      string `json:"encrypt_key,omitempty"`

	ProbeURL       string `json:"probe_url,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	GeneratorURL   string `json:"generator_url,omitempty"`
	GeneratorToken string `json:"generator_token,omitempty"`

	MaxRetries       int    `json:"max_retries,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	MonitorInterval  string `json:"monitor_interval,omitempty"`
	MaxAge           string `json:"max_age,omitempty"`
	ProbeTimeout     string `json:"probe_timeout,omitempty"`
	GeneratorTimeout string `json:"generator_timeout,omitempty"`

	DefaultOutput string `json:"default_output,omitempty"`

	path string
}

// EnvPrefix prefixes the environment override of every key.
const EnvPrefix = "CREDKEEP_"

// secretKeys are masked when listed.
var secretKeys = map[string]bool{
	"encrypt_key":     true,
	"generator_token": true,
	"mongo_uri":       true,
}

// IsSecret reports whether key holds a value that should not be displayed.
func IsSecret(key string) bool { return secretKeys[key] }

// Load reads config from the XDG path, returns defaults if file doesn't exist
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from path. Save writes back to the same path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{path: path}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = path

	return &cfg, nil
}

// Path returns the file this config is saved to.
func (c *Config) Path() string {
	if c.path == "" {
		return ConfigPath()
	}
	return c.path
}

// Save writes the config file
func (c *Config) Save() error {
	path := c.Path()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// JSON is valid JSON5
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// May hold the encryption key
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Keys returns every config key in declaration order.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if key := tagName(t.Field(i)); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func tagName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

// field finds the struct field for key.
func (c *Config) field(key string) (reflect.Value, error) {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		if tagName(t.Field(i)) == key {
			return v.Field(i), nil
		}
	}

	return reflect.Value{}, fmt.Errorf("unknown config key: %s", key)
}

// Get retrieves a config value by key name
func (c *Config) Get(key string) (string, error) {
	f, err := c.field(key)
	if err != nil {
		return "", err
	}
	if f.Kind() == reflect.Int && f.Int() == 0 {
		return "", nil
	}
	return fmt.Sprintf("%v", f.Interface()), nil
}

// assign stores value into the field for key without saving.
func (c *Config) assign(key, value string) error {
	f, err := c.field(key)
	if err != nil {
		return err
	}

	switch f.Kind() {
	case reflect.Int:
		if value == "" {
			f.SetInt(0)
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
		}
		f.SetInt(int64(n))
	default:
		f.SetString(value)
	}
	return nil
}

// Set sets a config value by key name and saves
func (c *Config) Set(key, value string) error {
	if err := c.validate(key, value); err != nil {
		return err
	}
	if err := c.assign(key, value); err != nil {
		return err
	}
	return c.Save()
}

// Unset sets a config value to its zero value and saves
func (c *Config) Unset(key string) error {
	if err := c.assign(key, ""); err != nil {
		return err
	}
	return c.Save()
}

// validate checks values whose shape is known before they are stored.
func (c *Config) validate(key, value string) error {
	switch key {
	case "remote_backend":
		if _, err := GetBackend(value); err != nil {
			return err
		}
	case "retry_delay", "monitor_interval", "max_age", "probe_timeout", "generator_timeout":
		if _, err := parseDuration(key, value, 0); err != nil {
			return err
		}
	case "default_output":
		switch value {
		case "json", "plain", "rich", "auto":
		default:
			return fmt.Errorf("invalid default_output %q: use json, plain, rich or auto", value)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CREDKEEP_<KEY> environment variables,
// e.g. CREDKEEP_ENCRYPT_KEY. Overrides are not saved.
func (c *Config) ApplyEnv() error {
	for _, key := range Keys() {
		value, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := c.assign(key, value); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

// Defaults for Settings.
const (
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 30 * time.Second
	DefaultMonitorInterval  = 5 * time.Minute
	DefaultMaxAge           = 24 * time.Hour
	DefaultProbeTimeout     = 10 * time.Second
	DefaultGeneratorTimeout = 30 * time.Second
)

// Settings are the typed timing values with defaults applied.
type Settings struct {
	MaxRetries       int
	RetryDelay       time.Duration
	MonitorInterval  time.Duration
	MaxAge           time.Duration
	ProbeTimeout     time.Duration
	GeneratorTimeout time.Duration
}

// Settings parses the duration fields.
func (c *Config) Settings() (Settings, error) {
	s := Settings{MaxRetries: c.MaxRetries}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}

	var err error
	if s.RetryDelay, err = parseDuration("retry_delay", c.RetryDelay, DefaultRetryDelay); err != nil {
		return Settings{}, err
	}
	if s.MonitorInterval, err = parseDuration("monitor_interval", c.MonitorInterval, DefaultMonitorInterval); err != nil {
		return Settings{}, err
	}
	if s.MaxAge, err = parseDuration("max_age", c.MaxAge, DefaultMaxAge); err != nil {
		return Settings{}, err
	}
	if s.ProbeTimeout, err = parseDuration("probe_timeout", c.ProbeTimeout, DefaultProbeTimeout); err != nil {
		return Settings{}, err
	}
	if s.GeneratorTimeout, err = parseDuration("generator_timeout", c.GeneratorTimeout, DefaultGeneratorTimeout); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return d, nil
}
