package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/tether/internal/ipc"
	"github.com/amurg-ai/tether/internal/tui"
)

type headerModel struct {
	status ipc.StatusResult
	now    func() time.Time
}

func newHeader(status ipc.StatusResult) headerModel {
	return headerModel{status: status, now: time.Now}
}

func (h *headerModel) update(status ipc.StatusResult) {
	h.status = status
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("tether")

	right := fmt.Sprintf("session %s %s   channel %s %s",
		tui.StateDot(h.status.Session), tui.StateText(h.status.Session),
		tui.StateDot(h.status.Channel), tui.StateText(h.status.Channel))

	user := "-"
	if u := h.status.User; u != nil {
		user = u.ID
		if u.Nickname != "" {
			user += " (" + u.Nickname + ")"
		}
	}
	info := fmt.Sprintf("  %s   User: %s   Token: %s   Uptime: %s",
		h.status.BaseURL, user, h.expiry(), h.status.Uptime)
	if h.status.Attempt > 0 || h.status.LastCloseCode != 0 {
		info += fmt.Sprintf("\n  Reconnect attempt %d, last close %d %s",
			h.status.Attempt, h.status.LastCloseCode, h.status.LastCloseReason)
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(max(width-2, 20)).
		Padding(0, 1)

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-6, 1)
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)
	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

func (h headerModel) expiry() string {
	if h.status.ExpiresAt.IsZero() {
		return "-"
	}
	d := h.status.ExpiresAt.Sub(h.now())
	if d <= 0 {
		return tui.ErrorStyle.Render("expired")
	}
	return "expires in " + d.Truncate(time.Second).String()
}
