package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/s0up4200/pvectl/config"
	"github.com/s0up4200/pvectl/pve"
)

var (
	version   = "dev"
	buildTime = "unknown"

	cfgFile string
	section string
	cfg     *config.Config
	logger  zerolog.Logger
	client  *pve.Client
)

// flagKeys maps connection flags to the config keys they override
var flagKeys = map[string]string{
	"host":       "pve_host",
	"port":       "pve_port",
	"user":       "pve_user",
	"password":   "pve_pass",
	"realm":      "pve_realm",
	"cacert":     "pve_cacert",
	"endpoint":   "pve_endpoint",
	"verify-ssl": "verify_ssl",
	"timeout":    "pve_timeout",
	"log-level":  "log_level",
	"log-format": "log_format",
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pvectl",
	Short: "A small client for the Proxmox VE API",
	Long: `pvectl logs in to a Proxmox Virtual Environment node with a username and
password, then performs authenticated API calls and prints the returned data
as JSON.

Settings are read from an INI file (default conf.d/01-private.conf, created on
first run), PVE_* environment variables and command line flags, with flags
taking precedence.`,
	SilenceUsage: true,
}

// SetVersion records build information for the version command
func SetVersion(v, built string) {
	version = v
	buildTime = built
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	flags.StringVar(&section, "section", config.DefaultSection, "config file section to read")

	flags.String("host", "", "PVE host URL, e.g. https://pve.example.com")
	flags.Int("port", 0, "PVE API port")
	flags.StringP("user", "u", "", "username")
	flags.String("password", "", "password")
	flags.String("realm", "", "authentication realm (pam, pve, ...)")
	flags.String("cacert", "", "CA certificate used when --verify-ssl is set")
	flags.Bool("verify-ssl", false, "verify the server certificate against --cacert")
	flags.String("endpoint", "", "login endpoint")
	flags.Duration("timeout", 0, "timeout of every API call")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
}

// explicitOverrides turns the flags set on the command line into config overrides
func explicitOverrides(flags *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any)
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

// initializeApp initializes the configuration and client
func initializeApp(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(config.Options{
		Path:      cfgFile,
		Section:   section,
		Overrides: explicitOverrides(cmd.Flags()),
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger = setupLogger(cfg.LoggingConfig)

	if cfg.Created {
		logger.Info().Str("path", cfg.Path).Msg("Config file not found, created one with default values")
	}
	for _, key := range cfg.Defaulted {
		logger.Debug().Str("key", key).Msg("Not set, using default")
	}
	logger.Debug().Str("path", cfg.Path).Str("section", cfg.Section).Msg("Configuration loaded")

	// Create PVE client
	client, err = pve.NewClient(clientConfig(cfg), logger, pve.WithUserAgent("pvectl/"+version))
	if err != nil {
		return fmt.Errorf("failed to create PVE client: %w", err)
	}

	return nil
}

func clientConfig(cfg *config.Config) pve.Config {
	return pve.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Realm:         cfg.Realm,
		Username:      cfg.User,
		Password:      cfg.Password,
		VerifySSL:     cfg.VerifySSL,
		CACertPath:    cfg.CACert,
		LoginEndpoint: cfg.Endpoint,
		Timeout:       cfg.Timeout,
	}
}

// setupLogger configures the zerolog logger
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Console format
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !cfg.Color || !isTerminal(os.Stderr),
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
