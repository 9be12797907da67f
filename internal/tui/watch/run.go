package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/tether/internal/ipc"
)

// Run connects to a running client over IPC and shows the dashboard until
// the user quits.
func Run(socketPath string) error {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to tether: %w", err)
	}
	defer func() { _ = client.Close() }()

	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	if err := client.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p := tea.NewProgram(NewModel(*status), tea.WithAltScreen())
	done := make(chan struct{})
	defer close(done)

	go func() {
		for evt := range client.Events() {
			p.Send(EventMsg{Type: evt.Type, Time: evt.Timestamp, Data: evt.Data})
		}
	}()

	// Uptime and token expiry drift between events; poll for them.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s, err := client.Status(); err == nil {
					p.Send(StatusUpdateMsg{Status: *s})
				}
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
