// Package cli implements the "eventlake admin" subcommand tree for managing
// a running eventlake server over its HTTP API.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"eventlake/internal/client"
)

// NewAdminCommand returns the "admin" command with all subcommands wired in.
func NewAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage a running eventlake server",
		Long:  "Connect to a running eventlake server and manage collections, batches, access policies and credentials, or run analytics queries.",
	}

	cmd.PersistentFlags().String("addr", "http://localhost:8080", "server address")
	cmd.PersistentFlags().String("token", "", "bearer token (or EVENTLAKE_TOKEN env)")
	cmd.PersistentFlags().String("access-key", "", "credential access key (or EVENTLAKE_ACCESS_KEY env)")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newCollectionCmd(),
		newBatchCmd(),
		newPolicyCmd(),
		newCredentialCmd(),
		newQueryCmd(),
		newStatsCmd(),
	)
	return cmd
}

// clientFromCmd builds an API client from the persistent flags on cmd.
// An access key takes precedence over a token.
func clientFromCmd(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("access-key")
	if key == "" {
		key = os.Getenv("EVENTLAKE_ACCESS_KEY")
	}
	if key != "" {
		return client.New(addr, client.WithAccessKey(key))
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("EVENTLAKE_TOKEN")
	}
	return client.New(addr, client.WithToken(token))
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
