package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	// DefaultPath is used when no config file is given; it is created on first run.
	DefaultPath = "conf.d/01-private.conf"
	// DefaultSection is the INI section holding the connection settings.
	DefaultSection = "pve_config"
)

var (
	// ErrConfigNotFound indicates an explicitly given config file does not exist
	ErrConfigNotFound = errors.New("config file not found")
	// ErrCACertNotFound indicates verify_ssl is on but the CA file cannot be read
	ErrCACertNotFound = errors.New("CA certificate not found")
)

// setting is one configuration key with its hard-coded default and env names
type setting struct {
	key   string
	value any
	env   []string
	// written marks keys put into a freshly created config file
	written bool
}

var settings = []setting{
	{key: "pve_host", value: "https://localhost", env: []string{"PVE_HOST"}, written: true},
	{key: "pve_port", value: 8006, env: []string{"PVE_PORT"}, written: true},
	{key: "pve_user", value: "root", env: []string{"PVE_USER", "PVE_USERNAME"}, written: true},
	{key: "pve_pass", value: "admin", env: []string{"PVE_PASS", "PVE_PASSWORD"}, written: true},
	{key: "pve_realm", value: "pam", env: []string{"PVE_REALM"}, written: true},
	{key: "pve_cacert", value: "certs/pve-ssl.pem", env: []string{"PVE_CACERT"}, written: true},
	{key: "pve_endpoint", value: "/api2/json/access/ticket", env: []string{"PVE_ENDPOINT"}, written: true},
	{key: "verify_ssl", value: false, env: []string{"PVE_VERIFY_SSL"}, written: true},
	{key: "pve_timeout", value: 30 * time.Second, env: []string{"PVE_TIMEOUT"}, written: true},
	{key: "log_level", value: "info", env: []string{"PVE_LOG_LEVEL"}},
	{key: "log_format", value: "console", env: []string{"PVE_LOG_FORMAT"}},
	{key: "log_color", value: true, env: []string{"PVE_LOG_COLOR"}},
}

var (
	boolKeys     = []string{"verify_ssl", "log_color"}
	durationKeys = []string{"pve_timeout"}
)

// Load resolves the configuration.
//
// Each key takes the first value found in: opts.Overrides, the environment,
// the named section of the file, the file's DEFAULT section, the hard-coded
// default.
func Load(opts Options) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	section := opts.Section
	if section == "" {
		section = DefaultSection
	}

	path, created, err := resolvePath(opts.Path, section)
	if err != nil {
		return nil, err
	}

	fileValues, err := readFile(path, section)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	if err := v.MergeConfigMap(fileValues); err != nil {
		return nil, fmt.Errorf("error merging config: %w", err)
	}

	for key, value := range opts.Overrides {
		v.Set(strings.ToLower(key), value)
	}

	if err := normalize(v); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Path = path
	cfg.Section = section
	cfg.Created = created
	cfg.Defaulted = defaulted(fileValues, opts.Overrides)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// resolvePath returns the file to read, creating the default one when needed
func resolvePath(path, section string) (string, bool, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return "", false, fmt.Errorf("error reading config: %w", err)
		}
		return path, false, nil
	}

	path = DefaultPath
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("error reading config: %w", err)
	}

	if err := writeDefaults(path, section); err != nil {
		return "", false, fmt.Errorf("failed to create default config %s: %w", path, err)
	}
	return path, true, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	for _, s := range settings {
		v.SetDefault(s.key, s.value)
	}
}

func bindEnv(v *viper.Viper) error {
	for _, s := range settings {
		args := append([]string{s.key}, s.env...)
		if err := v.BindEnv(args...); err != nil {
			return err
		}
	}
	return nil
}

// normalize replaces textual booleans and durations by typed values so that
// "false" is false and a bare "30" means thirty seconds.
func normalize(v *viper.Viper) error {
	for _, key := range boolKeys {
		b, err := parseBool(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		v.Set(key, b)
	}

	for _, key := range durationKeys {
		d, err := parseDuration(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		v.Set(key, d)
	}

	return nil
}

func parseBool(value any) (bool, error) {
	if s, ok := value.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "on":
			return true, nil
		case "no", "off":
			return false, nil
		case "":
			return false, fmt.Errorf("empty boolean")
		}
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", fmt.Sprint(value))
	}
	return b, nil
}

func parseDuration(value any) (time.Duration, error) {
	switch d := value.(type) {
	case time.Duration:
		return d, nil
	case int:
		return seconds(int64(d))
	case string:
		s := strings.TrimSpace(d)
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return seconds(secs)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", d)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("invalid duration %v", value)
}

// maxSeconds is the largest whole number of seconds a time.Duration holds
const maxSeconds = int64(math.MaxInt64 / int64(time.Second))

func seconds(secs int64) (time.Duration, error) {
	if secs < -maxSeconds || secs > maxSeconds {
		return 0, fmt.Errorf("duration of %d seconds out of range", secs)
	}
	return time.Duration(secs) * time.Second, nil
}

// defaulted lists keys whose value came from the hard-coded defaults
func defaulted(fileValues, overrides map[string]any) []string {
	lowered := make(map[string]bool, len(overrides))
	for key := range overrides {
		lowered[strings.ToLower(key)] = true
	}

	var keys []string
	for _, s := range settings {
		if _, ok := fileValues[s.key]; ok || lowered[s.key] {
			continue
		}
		if envSet(s.env) {
			continue
		}
		keys = append(keys, s.key)
	}
	return keys
}

func envSet(names []string) bool {
	for _, name := range names {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Host)
	if err != nil || cfg.Host == "" {
		return fmt.Errorf("pve_host is required and must be a URL: %q", cfg.Host)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("pve_host must start with http:// or https://: %q", cfg.Host)
	}
	if u.Host == "" {
		return fmt.Errorf("pve_host has no host name: %q", cfg.Host)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("pve_port must be between 1 and 65535; got %d", cfg.Port)
	}

	if !strings.HasPrefix(cfg.Endpoint, "/") {
		return fmt.Errorf("pve_endpoint must start with '/': %q", cfg.Endpoint)
	}

	if cfg.Timeout <= 0 {
		return fmt.Errorf("pve_timeout must be positive; got %s", cfg.Timeout)
	}

	if cfg.VerifySSL {
		if err := checkReadable(cfg.CACert); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCACertNotFound, cfg.CACert, err)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"console": true,
		"json":    true,
	}
	if !validFormats[cfg.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Format)
	}

	return nil
}

func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("pve_cacert is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
