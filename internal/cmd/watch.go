package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/tui/watch"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Attach a live dashboard to the running client",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	return watch.Run(paths(cmd).Socket())
}
