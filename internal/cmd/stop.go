package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background client",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	p := paths(cmd)
	out := cmd.OutOrStdout()

	pid, err := p.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(out, "tether is not running (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_ = p.RemovePID()
		_, _ = fmt.Fprintf(out, "tether is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Stopping tether (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid, 5*time.Second); err != nil {
		return err
	}
	_ = p.RemovePID()
	_, _ = fmt.Fprintln(out, "tether stopped")
	return nil
}
