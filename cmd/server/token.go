package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/auth"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		user auth.User
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Auth.Disabled {
				return fmt.Errorf("auth is disabled, no token is needed")
			}
			verifier, err := auth.NewVerifier(cfg.Auth, newLogger(cfg))
			if err != nil {
				return err
			}
			token, err := verifier.Issue(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user.ID, "subject", "admin", "user id recorded as the actor")
	cmd.Flags().StringVar(&user.Email, "email", "", "user email")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
