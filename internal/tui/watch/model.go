// Package watch is the live dashboard shown by `tether watch`: session and
// channel status on top, the event stream and the log tail below.
package watch

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/ipc"
	"github.com/amurg-ai/tether/internal/tui"
)

// Panel identifies which panel is focused.
type Panel int

const (
	PanelEvents Panel = iota
	PanelLogs
)

var (
	keyQuit   = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	keySwitch = key.NewBinding(key.WithKeys("tab"))
)

// EventMsg wraps an event received over IPC.
type EventMsg struct {
	Type string
	Time time.Time
	Data []byte
}

// StatusUpdateMsg carries fresh status data.
type StatusUpdateMsg struct {
	Status ipc.StatusResult
}

// Model is the root watch model.
type Model struct {
	header headerModel
	events feedModel
	logs   feedModel

	active   Panel
	width    int
	height   int
	quitting bool
}

// NewModel creates a model seeded with an initial status.
func NewModel(status ipc.StatusResult) Model {
	return Model{
		header: newHeader(status),
		events: newFeed(),
		logs:   newFeed(),
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := m.panelHeight()
		m.events.SetSize(msg.Width-4, h)
		m.logs.SetSize(msg.Width-4, h)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keySwitch):
			if m.active == PanelEvents {
				m.active = PanelLogs
			} else {
				m.active = PanelEvents
			}
			return m, nil
		}

	case StatusUpdateMsg:
		m.header.update(msg.Status)
		return m, nil

	case EventMsg:
		m.apply(msg)
		return m, nil
	}

	var cmd tea.Cmd
	if m.active == PanelEvents {
		m.events, cmd = m.events.Update(msg)
	} else {
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

// apply routes an event to its panel and folds state changes into the
// header so it does not wait for the next status poll.
func (m *Model) apply(msg EventMsg) {
	switch msg.Type {
	case eventbus.TopicLogEntry.Name():
		m.logs.add(formatLog(msg))
		return
	case eventbus.TopicSessionChanged.Name():
		var c eventbus.SessionChange
		if json.Unmarshal(msg.Data, &c) == nil {
			st := m.header.status
			st.Session = string(c.State)
			st.LoggedIn = c.State == eventbus.SessionValid
			st.User = c.User
			st.ExpiresAt = c.ExpiresAt
			m.header.update(st)
		}
	case eventbus.TopicChannelState.Name():
		var c eventbus.ChannelStateChange
		if json.Unmarshal(msg.Data, &c) == nil {
			st := m.header.status
			st.Channel = c.State
			st.Attempt = c.Attempt
			if c.CloseCode != 0 {
				st.LastCloseCode = c.CloseCode
				st.LastCloseReason = c.CloseReason
			}
			m.header.update(st)
		}
	}
	m.events.add(formatEvent(msg))
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	eventsStyle := panelStyle(m.width, m.active == PanelEvents)
	logsStyle := panelStyle(m.width, m.active == PanelLogs)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width),
		eventsStyle.Render(tui.Subtitle.Render(" Events")+"\n"+m.events.View()),
		logsStyle.Render(tui.Subtitle.Render(" Logs")+"\n"+m.logs.View()),
		tui.Help.Render("  q quit  Tab switch panel  j/k scroll  g top  G follow"),
	)
}

// Quitting reports whether the user quit.
func (m Model) Quitting() bool { return m.quitting }

func panelStyle(width int, focused bool) lipgloss.Style {
	c := tui.ColorMuted
	if focused {
		c = tui.ColorPrimary
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(c).
		Width(max(width-2, 20))
}

func (m Model) panelHeight() int {
	// Header, two panel borders and titles, help bar.
	h := (m.height - 5 - 6 - 1) / 2
	if h < 3 {
		h = 3
	}
	return h
}
