// Package theme provides the Lip Gloss palette and shared styles for the
// Eva monitor. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Control state colors.
var (
	ColorReady       = lipgloss.Color("#22c55e")
	ColorRunning     = lipgloss.Color("#2563eb")
	ColorPaused      = lipgloss.Color("#d97706")
	ColorStopping    = lipgloss.Color("#854d0e")
	ColorBackdriving = lipgloss.Color("#7c3aed")
	ColorUpdating    = lipgloss.Color("#06b6d4")
	ColorError       = lipgloss.Color("#dc2626")
	ColorOff         = lipgloss.Color("#374151")
	ColorDefault     = lipgloss.Color("#9ca3af")
)

// Joint gauge thresholds, by distance from zero as a share of the range.
var (
	ColorJointCenter = lipgloss.Color("#22c55e") // <50%
	ColorJointWide   = lipgloss.Color("#d97706") // 50-85%
	ColorJointLimit  = lipgloss.Color("#dc2626") // >85%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// ControlColor returns the color for a control state string.
func ControlColor(s string) lipgloss.Color {
	switch s {
	case "ready":
		return ColorReady
	case "running":
		return ColorRunning
	case "paused":
		return ColorPaused
	case "stopping":
		return ColorStopping
	case "backdriving":
		return ColorBackdriving
	case "updating":
		return ColorUpdating
	case "error", "collision":
		return ColorError
	case "disabled", "shutting_down":
		return ColorOff
	default:
		return ColorDefault
	}
}

// ControlGlyph returns a glyph for a control state string.
func ControlGlyph(s string) string {
	switch s {
	case "ready":
		return "●"
	case "running":
		return "▶"
	case "paused":
		return "‖"
	case "stopping":
		return "■"
	case "backdriving":
		return "↺"
	case "updating":
		return "↻"
	case "error", "collision":
		return "✗"
	case "disabled", "shutting_down":
		return "○"
	default:
		return "·"
	}
}

// JointColor returns the gauge color for a joint at frac of its travel
// away from zero.
func JointColor(frac float64) lipgloss.Color {
	switch {
	case frac > 0.85:
		return ColorJointLimit
	case frac > 0.5:
		return ColorJointWide
	default:
		return ColorJointCenter
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)
)
