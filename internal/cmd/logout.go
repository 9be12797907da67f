package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/ipc"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// A running client owns the session; let it destroy it and close the
	// channel.
	if c, err := ipc.Dial(paths(cmd).Socket()); err == nil {
		defer func() { _ = c.Close() }()
		if err := c.Logout(); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		_, _ = fmt.Fprintln(out, "Signed out.")
		return nil
	}

	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Sessions().Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	_, _ = fmt.Fprintln(out, "Signed out.")
	return nil
}
