package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eventlake/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		Long: `Token signs a bearer token with the server's secret (EVENTLAKE_AUTH__SECRET
or the secret stored in the home directory). Admin tokens manage
collections and access; application tokens ingest and query without scope
restrictions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			if role != auth.RoleAdmin && role != auth.RoleApplication {
				return fmt.Errorf("invalid role %q: must be %s or %s", role, auth.RoleAdmin, auth.RoleApplication)
			}
			if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
				e.cfg.Auth.TokenTTL = ttl
			}
			ts, err := e.tokenService()
			if err != nil {
				return err
			}
			token, expires, err := ts.Issue(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			e.logger.Info("token issued", "subject", subject, "role", role, "expires", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("subject", "admin", "token subject")
	cmd.Flags().String("role", auth.RoleAdmin, "token role (admin or application)")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default: EVENTLAKE_AUTH__TOKEN_TTL)")
	return cmd
}
