package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and channel status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	p := paths(cmd)

	// Live status from a running client.
	if c, err := ipc.Dial(p.Socket()); err == nil {
		defer func() { _ = c.Close() }()
		if st, err := c.Status(); err == nil {
			printStatus(out, st)
			return nil
		}
	}

	// Fall back to the PID file and the stored session.
	if pid := running(p); pid != 0 {
		_, _ = fmt.Fprintf(out, "Client:   running (PID %d, not answering)\n", pid)
	} else {
		_, _ = fmt.Fprintln(out, "Client:   stopped")
	}

	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Sessions().Restore(cmd.Context()); err != nil {
		return err
	}
	st := a.Status()
	printSession(out, &st)
	return nil
}

func printStatus(w io.Writer, st *ipc.StatusResult) {
	_, _ = fmt.Fprintf(w, "Client:   running (%s, up %s)\n", st.Version, st.Uptime)
	_, _ = fmt.Fprintf(w, "Service:  %s\n", st.BaseURL)
	printSession(w, st)
	_, _ = fmt.Fprintf(w, "Channel:  %s", st.Channel)
	if st.Attempt > 0 {
		_, _ = fmt.Fprintf(w, " (attempt %d)", st.Attempt)
	}
	if st.LastCloseCode != 0 {
		_, _ = fmt.Fprintf(w, ", last close %d %s", st.LastCloseCode, st.LastCloseReason)
	}
	_, _ = fmt.Fprintln(w)
}

func printSession(w io.Writer, st *ipc.StatusResult) {
	_, _ = fmt.Fprintf(w, "Session:  %s\n", st.Session)
	if st.User != nil {
		_, _ = fmt.Fprintf(w, "User:     %s", st.User.ID)
		if st.User.Nickname != "" {
			_, _ = fmt.Fprintf(w, " (%s)", st.User.Nickname)
		}
		_, _ = fmt.Fprintln(w)
	}
	if !st.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Expires:  %s\n", st.ExpiresAt.Local().Format(time.RFC3339))
	}
}
