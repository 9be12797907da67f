package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/tui"
)

const maxFeedLines = 1000

// feedModel is a scrolling list of formatted lines.
type feedModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newFeed() feedModel {
	return feedModel{viewport: viewport.New(80, 10), autoScroll: true}
}

func (f *feedModel) SetSize(width, height int) {
	f.viewport.Width = width
	f.viewport.Height = height
}

func (f *feedModel) add(line string) {
	f.lines = append(f.lines, line)
	if len(f.lines) > maxFeedLines {
		f.lines = f.lines[len(f.lines)-maxFeedLines:]
	}
	f.viewport.SetContent(strings.Join(f.lines, "\n"))
	if f.autoScroll {
		f.viewport.GotoBottom()
	}
}

func (f feedModel) Update(msg tea.Msg) (feedModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "G":
			f.autoScroll = true
			f.viewport.GotoBottom()
			return f, nil
		case "g":
			f.autoScroll = false
			f.viewport.GotoTop()
			return f, nil
		case "j", "down", "k", "up":
			f.autoScroll = false
		}
	}
	var cmd tea.Cmd
	f.viewport, cmd = f.viewport.Update(msg)
	return f, cmd
}

func (f feedModel) View() string {
	return f.viewport.View()
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.Local().Format("15:04:05")
}

// formatLog renders a log.entry payload.
func formatLog(msg EventMsg) string {
	var entry eventbus.LogEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		return fmt.Sprintf("  %s %s", stamp(msg.Time), string(msg.Data))
	}

	attrs := make([]string, 0, len(entry.Attrs))
	for k, v := range entry.Attrs {
		attrs = append(attrs, k+"="+v)
	}
	sort.Strings(attrs)
	if entry.Component != "" {
		attrs = append([]string{"component=" + entry.Component}, attrs...)
	}

	ts := entry.Time
	if ts.IsZero() {
		ts = msg.Time
	}
	line := fmt.Sprintf("  %s %s  %s", stamp(ts), tui.LogLevelStyle(entry.Level).Render(fmt.Sprintf("%-5s", entry.Level)), entry.Message)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

// formatEvent renders any other event as its topic and compact payload.
func formatEvent(msg EventMsg) string {
	style := tui.Accent
	switch msg.Type {
	case "session.expired", "channel.lost":
		style = tui.ErrorStyle
	case "session.changed", "channel.state":
		style = tui.Subtitle
	}
	return fmt.Sprintf("  %s %s  %s", stamp(msg.Time), style.Render(msg.Type), tui.Dimmed.Render(string(msg.Data)))
}
