package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runDefault implements bare `tether`:
//   - background client running? attach the watch TUI
//   - otherwise run in the foreground
func runDefault(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}
	if running(paths(cmd)) != 0 {
		return runWatch(cmd, args)
	}
	return runRun(cmd, args)
}
