package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/daemon"
	"github.com/amurg-ai/tether/internal/ipc"
	"github.com/amurg-ai/tether/pkg/cli"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a one-time code",
		RunE:  runLogin,
	}
	cmd.Flags().String("account", "", "account to sign in (prompted when empty)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	prompt := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	out := cmd.OutOrStdout()

	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	sessions := a.Sessions()

	if err := sessions.Restore(ctx); err != nil {
		return err
	}
	if s, ok := sessions.Snapshot(); ok && sessions.IsLoggedIn() && s.User != nil {
		if !prompt.Confirm(fmt.Sprintf("Already signed in as %s. Sign in again?", s.User.ID), false) {
			return nil
		}
	}

	account, _ := cmd.Flags().GetString("account")
	if account == "" {
		if account, err = prompt.AskRequired("Account"); err != nil {
			return err
		}
	}
	if err := sessions.SendCode(ctx, account); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	_, _ = fmt.Fprintf(out, "A one-time code was sent to %s.\n", account)

	code, err := prompt.AskSecret("Code")
	if err != nil {
		return err
	}
	user, err := sessions.Login(ctx, account, code)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Signed in as %s.\n", user.ID)

	notifyRunning(paths(cmd), out)
	return nil
}

// notifyRunning asks a background client to pick up the stored session.
func notifyRunning(p daemon.Paths, out io.Writer) {
	c, err := ipc.Dial(p.Socket())
	if err != nil {
		return
	}
	defer func() { _ = c.Close() }()
	if _, err := c.Reload(); err == nil {
		_, _ = fmt.Fprintln(out, "The running client picked up the new session.")
	}
}
