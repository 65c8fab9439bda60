package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visiond/internal/config"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "visiond",
		Short:         "Per-user vision model serving and training job daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (json, yaml, or toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg := config.Default()
		if cfgPath != "" {
			var err error
			if cfg, err = config.Load(cfgPath); err != nil {
				return cfg, zerolog.Nop(), err
			}
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, newLogger(cfg.LogLevel), nil
	}

	root.AddCommand(newServeCmd(load), newWorkerCmd(load))
	return root
}

// configLoader defers config parsing until a subcommand actually runs, after
// the flags are bound.
type configLoader func() (config.Config, zerolog.Logger, error)

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
