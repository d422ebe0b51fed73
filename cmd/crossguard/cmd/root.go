package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crossguard/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

// cfg is loaded before any init so every command's flag defaults come
// from the environment.
var cfg, cfgErr = config.Load()

var (
	logger    = slog.Default()
	noBanner  bool
	printJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "crossguard",
	Short: "crossguard manages a Matrix session and its cross-signing keys",
	Long: `Log in to or register with a Matrix homeserver, keep the session in an
encrypted local store, and bootstrap or restore cross-signing and the
encrypted key backup.

Settings are read from CROSSGUARD_* environment variables; flags override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		l, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(logger)
		if !noBanner && !printJSON {
			printBanner(cmd.ErrOrStderr())
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Homeserver base URL")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the local session store")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: bbolt, memory or postgres")
	f.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL DSN for the postgres backend")
	f.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Session namespace within the store")
	f.StringVar(&cfg.CompanionOrigin, "companion-origin", cfg.CompanionOrigin, "Origin of the chat application backend")
	f.StringVar(&cfg.DeviceDisplayName, "device-name", cfg.DeviceDisplayName, "Display name of new devices")
	f.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout of each homeserver request")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	f.BoolVar(&noBanner, "no-banner", false, "Do not print the banner")
	f.BoolVar(&printJSON, "json", false, "Print results as JSON")
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
