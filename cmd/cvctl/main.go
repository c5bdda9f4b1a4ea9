package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/syncclient"
)

type globalOptions struct {
	server  string
	token   string
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "cvctl",
		Short:         "Stage, commit and push CV changes against a cvsync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("CVSYNC_SERVER", "http://localhost:8080"), "cvsync server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CVSYNC_TOKEN"), "session token (defaults to $CVSYNC_TOKEN)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log request and connection details")

	cmd.AddCommand(
		newStagedCommand(opts),
		newStageCommand(opts),
		newUnstageCommand(opts),
		newCommitCommand(opts),
		newCommitsCommand(opts),
		newPushCommand(opts),
		newJobCommand(opts),
		newStatsCommand(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (o *globalOptions) logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func (o *globalOptions) client() (*syncclient.Client, error) {
	return syncclient.NewClient(o.server,
		syncclient.WithToken(o.token),
		syncclient.WithClientLogger(o.logger()),
	)
}
