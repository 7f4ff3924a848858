package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Security.JWT.Secret
			if secret == "" {
				return errors.New("security.jwt.secret is not set; the API runs without authentication")
			}
			if ttl <= 0 && cfg.Security.JWT.TokenTTL > 0 {
				ttl = time.Duration(cfg.Security.JWT.TokenTTL) * time.Minute
			}
			token, err := auth.GenerateToken(subject, auth.Role(role), secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "token role (viewer or operator)")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject, logged as the caller")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.token_ttl, else 24h)")
	return cmd
}
