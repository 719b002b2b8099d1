package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/evarobotics/evago/internal/tui/theme"
	"github.com/evarobotics/evago/pkg/eva"
	"github.com/evarobotics/evago/pkg/lock"
)

// Model holds the status bar state.
type Model struct {
	Device  string
	Status  eva.Status
	Lock    lock.State
	Dropped uint64
	Width   int
}

// New creates a status bar model.
func New(device string) Model {
	return Model{Device: device}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch m.Status {
	case eva.StatusConnected:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	case eva.StatusDegraded:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ Reconnecting...")
	case eva.StatusFailed:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("✗ Failed")
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDimmed).Render("○ " + m.Status.String())
	}

	var lockColor lipgloss.Color
	switch m.Lock {
	case lock.Held, lock.Renewing:
		lockColor = theme.ColorHealthy
	case lock.Lost:
		lockColor = theme.ColorDanger
	default:
		lockColor = theme.ColorDimmed
	}
	lockStr := lipgloss.NewStyle().Foreground(lockColor).Render("lock: " + m.Lock.String())

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + m.Device + sep + lockStr
	if m.Dropped > 0 {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(
			fmt.Sprintf("%d updates dropped", m.Dropped))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
