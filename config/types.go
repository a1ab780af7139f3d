package config

import "time"

// Config represents the resolved configuration of a pvectl run
type Config struct {
	Host      string        `mapstructure:"pve_host"`
	Port      int           `mapstructure:"pve_port"`
	User      string        `mapstructure:"pve_user"`
	Password  string        `mapstructure:"pve_pass"`
	Realm     string        `mapstructure:"pve_realm"`
	CACert    string        `mapstructure:"pve_cacert"`
	Endpoint  string        `mapstructure:"pve_endpoint"`
	VerifySSL bool          `mapstructure:"verify_ssl"`
	Timeout   time.Duration `mapstructure:"pve_timeout"`

	LoggingConfig `mapstructure:",squash"`

	// Path is the config file that was read, Section the section values came from.
	Path    string `mapstructure:"-"`
	Section string `mapstructure:"-"`
	// Created is set when the default config file did not exist and was written.
	Created bool `mapstructure:"-"`
	// Defaulted lists the keys that fell back to hard-coded defaults.
	Defaulted []string `mapstructure:"-"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"log_level"`
	Format string `mapstructure:"log_format"`
	Color  bool   `mapstructure:"log_color"`
}

// Options controls where Load looks for values
type Options struct {
	// Path of the INI file. Empty means DefaultPath, created when missing.
	Path string
	// Section holding the settings. Empty means DefaultSection.
	Section string
	// Overrides are explicit values keyed like the file, e.g. "pve_host".
	// They win over every other source.
	Overrides map[string]any
}
