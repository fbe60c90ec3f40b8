// Command eventlake runs the event ingestion and analytics services.
//
// Logging:
//   - The base logger is built here from EVENTLAKE_LOG__* settings
//   - It is passed to every component; there is no slog.SetDefault
//   - Components scope it with their own "component" attribute
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"eventlake/cmd/eventlake/cli"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "eventlake",
		Short:         "Event ingestion, archival and analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("home", "", "home directory (default: platform config dir, or EVENTLAKE_HOME)")
	root.PersistentFlags().StringSlice("env-file", []string{".env"}, "dotenv files read before the environment")

	root.AddCommand(
		newServerCmd(),
		newWorkerCmd(),
		newMirrorCmd(),
		newLoadgenCmd(),
		newTokenCmd(),
		cli.NewAdminCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
