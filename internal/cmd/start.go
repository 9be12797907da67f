package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the client as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	p := daemon.Resolve(cfg.Client.DataDir)

	if pid := running(p); pid != 0 {
		return fmt.Errorf("tether is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := p.OpenLogFile()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	childArgs := []string{"run"}
	if configPath != "" {
		childArgs = append(childArgs, configPath)
	}
	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start tether: %w", err)
	}
	if err := p.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "tether started (PID %d)\n", child.Process.Pid)
	if configPath != "" {
		_, _ = fmt.Fprintf(out, "  Config: %s\n", configPath)
	}
	_, _ = fmt.Fprintf(out, "  Logs:   %s\n", p.Log())
	return nil
}
