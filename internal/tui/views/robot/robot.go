// Package robot renders the live RobotState: control state, joint gauges
// and GPIO.
package robot

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/evarobotics/evago/internal/tui/theme"
	"github.com/evarobotics/evago/pkg/state"
)

const (
	labelWidth = 12
	barWidth   = 24

	// FrameRate is how often Animate should be called while Animating.
	FrameRate = 30
	settle    = 1e-3
)

var (
	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)
	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)
)

// Model holds the robot panel state. Joint gauges ease toward the
// reported angles on a critically damped spring.
type Model struct {
	Width int
	State *state.RobotState

	spring harmonica.Spring
	shown  []float64
	vel    []float64
}

func New() Model {
	return Model{spring: harmonica.NewSpring(harmonica.FPS(FrameRate), 8.0, 1.0)}
}

// SetState replaces the displayed state.
func (m *Model) SetState(s *state.RobotState) {
	m.State = s
	if s != nil && len(m.shown) != len(s.Joints) {
		m.shown = slices.Clone(s.Joints)
		m.vel = make([]float64, len(s.Joints))
	}
}

// Animating reports whether any gauge is still moving.
func (m *Model) Animating() bool {
	if m.State == nil || len(m.shown) != len(m.State.Joints) {
		return false
	}
	for i, target := range m.State.Joints {
		if math.Abs(m.shown[i]-target) > settle || math.Abs(m.vel[i]) > settle {
			return true
		}
	}
	return false
}

// Animate advances every gauge by one frame.
func (m *Model) Animate() {
	if !m.Animating() {
		return
	}
	for i, target := range m.State.Joints {
		m.shown[i], m.vel[i] = m.spring.Update(m.shown[i], m.vel[i], target)
		if math.Abs(m.shown[i]-target) <= settle && math.Abs(m.vel[i]) <= settle {
			m.shown[i], m.vel[i] = target, 0
		}
	}
}

// View renders the panel.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	s := m.State
	if s == nil {
		return theme.StyleBorder.Width(width - 2).Render(theme.StyleDimmed.Render("Waiting for first snapshot..."))
	}

	var b strings.Builder

	ctl := string(s.Control.State)
	ctlStr := lipgloss.NewStyle().Foreground(theme.ControlColor(ctl)).Bold(true).
		Render(theme.ControlGlyph(ctl) + " " + ctl)
	writeRow(&b, "Control", ctlStr)
	if s.Control.RunMode != "" {
		writeRow(&b, "Mode", s.Control.RunMode)
	}
	if s.Control.LoopTarget > 0 {
		writeRow(&b, "Loop", fmt.Sprintf("%d / %d", s.Control.LoopCount, s.Control.LoopTarget))
	}
	if s.Lock.Status != "" {
		writeRow(&b, "Lock", fmt.Sprintf("%s (%s)", s.Lock.Status, s.Lock.Owner))
	}
	if len(s.Errors) > 0 {
		writeRow(&b, "Errors", lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(strings.Join(s.Errors, ", ")))
	}

	joints := s.Joints
	if len(m.shown) == len(joints) {
		joints = m.shown
	}
	b.WriteString("\n")
	for i, rad := range joints {
		writeRow(&b, fmt.Sprintf("Joint %d", i+1), JointGauge(rad, barWidth))
	}

	if len(s.Outputs) > 0 {
		b.WriteString("\n")
		writeRow(&b, "Outputs", formatPins(s.Outputs))
	}
	if len(s.Inputs) > 0 {
		writeRow(&b, "Inputs", formatPins(s.Inputs))
	}

	b.WriteString("\n")
	b.WriteString(theme.StyleDimmed.Render(fmt.Sprintf("seq %d  updated %s", s.Seq, s.UpdatedAt.Format("15:04:05.000"))))

	return theme.StyleBorder.Width(width - 2).Render(b.String())
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

// JointGauge draws a centred bar for an angle in [-π, π] followed by the
// angle in degrees.
func JointGauge(rad float64, width int) string {
	frac := math.Max(-1, math.Min(1, rad/math.Pi))
	half := width / 2
	n := int(math.Round(math.Abs(frac) * float64(half)))

	left := strings.Repeat("░", half)
	right := strings.Repeat("░", half)
	if frac < 0 {
		left = strings.Repeat("░", half-n) + strings.Repeat("█", n)
	} else {
		right = strings.Repeat("█", n) + strings.Repeat("░", half-n)
	}

	color := theme.JointColor(math.Abs(frac))
	bar := lipgloss.NewStyle().Foreground(color).Render(left + "┃" + right)
	return bar + fmt.Sprintf(" %7.1f°", rad*180/math.Pi)
}

func formatPins(pins map[string]any) string {
	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := pins[name]
		color := theme.ColorDimmed
		if on, ok := v.(bool); ok && on {
			color = theme.ColorHealthy
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%s=%v", name, v)))
	}
	return strings.Join(parts, "  ")
}
