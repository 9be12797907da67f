// Package cmd implements the tether command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for tether.
// When invoked without a subcommand in a TTY, it attaches the watch TUI to a
// running client, or runs one in the foreground.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "tether",
		Short: "tether keeps a session and a realtime channel alive",
		Long: "tether maintains an authenticated session against a remote service and a\n" +
			"persistent realtime channel that re-publishes the service's events locally.",
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default tether.json, else environment only)")

	return root
}
