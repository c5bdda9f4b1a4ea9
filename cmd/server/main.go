package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/config"
	"github.com/rpattn/cvsync/internal/logging"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)
	cmd := &cobra.Command{
		Use:           "cvsync-server",
		Short:         "Staged change, commit and push pipeline for CV content",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", ".", "directory containing config.yaml")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	cmd.AddCommand(serve, newMigrateCommand(opts), newTokenCommand(opts))
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logging.New(cfg.Log)
	if cfg.Source != "" {
		logger.WithField("file", cfg.Source).Info("loaded config file")
	} else {
		logger.Info("no config.yaml found, using defaults and environment")
	}
	return logger
}
