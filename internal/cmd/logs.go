package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the background client's log output",
		RunE:  runLogs,
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolP("follow", "f", false, "follow log output")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	numLines, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")
	out := cmd.OutOrStdout()

	logPath := paths(cmd).Log()
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file found at %s", logPath)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	lines, err := tailLines(f, numLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	if !follow {
		return nil
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(out, line)
	}
}

// tailLines reads the last n lines from r.
func tailLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
