// Package app is the root Bubble Tea model of the Eva monitor.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evarobotics/evago/internal/tui/theme"
	"github.com/evarobotics/evago/internal/tui/views/robot"
	"github.com/evarobotics/evago/internal/tui/views/status"
	"github.com/evarobotics/evago/pkg/dispatch"
	"github.com/evarobotics/evago/pkg/eva"
	"github.com/evarobotics/evago/pkg/lock"
	"github.com/evarobotics/evago/pkg/state"
)

const (
	statusPoll    = 250 * time.Millisecond
	actionTimeout = 10 * time.Second
)

// Session is the part of *eva.Session the monitor drives.
type Session interface {
	CurrentState() *state.RobotState
	Status() eva.Status
	Err() error
	LockState() lock.State
	Subscribe(dispatch.Observer, ...dispatch.SubscribeOption) *dispatch.Subscription
	Unsubscribe(*dispatch.Subscription)
	AcquireLock(ctx context.Context) (lock.Lease, error)
	ReleaseLock(ctx context.Context) error
	Home(ctx context.Context) error
	LockStatus(ctx context.Context) (state.LockInfo, error)
}

type stateMsg struct{ state *state.RobotState }

type tickMsg time.Time

type frameMsg struct{}

// actionMsg reports the outcome of a key-triggered device call.
type actionMsg struct {
	text string
	err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	sess   Session
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	help   help.Model
	width  int
	height int

	sub     *dispatch.Subscription
	updates chan *state.RobotState

	statusBar status.Model
	robot     robot.Model

	message   string
	failed    bool
	animating bool
}

// New creates the root model and subscribes to the session. The
// subscription keeps only the newest state; the screen never needs the
// ones in between.
func New(sess Session, device string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan *state.RobotState, 1)
	sub := sess.Subscribe(func(u dispatch.Update) {
		for {
			select {
			case updates <- u.New:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	}, dispatch.WithQueueSize(1))

	m := Model{
		sess:      sess,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		sub:       sub,
		updates:   updates,
		statusBar: status.New(device),
		robot:     robot.New(),
	}
	m.robot.SetState(sess.CurrentState())
	return m
}

// Init starts waiting for state and polling session status.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForState(), tick())
}

func (m Model) waitForState() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-m.updates:
			return stateMsg{state: s}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statusPoll, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/robot.FrameRate, func(time.Time) tea.Msg { return frameMsg{} })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.robot.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		m.robot.SetState(msg.state)
		cmds := []tea.Cmd{m.waitForState()}
		if !m.animating && m.robot.Animating() {
			m.animating = true
			cmds = append(cmds, frame())
		}
		return m, tea.Batch(cmds...)

	case frameMsg:
		m.robot.Animate()
		if m.robot.Animating() {
			return m, frame()
		}
		m.animating = false
		return m, nil

	case tickMsg:
		m.refreshStatus()
		return m, tick()

	case actionMsg:
		if msg.err != nil {
			m.message = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(msg.err.Error())
		} else {
			m.message = msg.text
		}
		m.refreshStatus()
		return m, nil
	}

	return m, nil
}

func (m *Model) refreshStatus() {
	m.statusBar.Status = m.sess.Status()
	m.statusBar.Lock = m.sess.LockState()
	if m.sub != nil {
		m.statusBar.Dropped = m.sub.Dropped()
	}
	m.failed = m.statusBar.Status == eva.StatusFailed
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.sess.Unsubscribe(m.sub)
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Refresh):
		return m, m.run(func(ctx context.Context) (string, error) {
			info, err := m.sess.LockStatus(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("device lock: %s (%s)", info.Status, info.Owner), nil
		})

	case key.Matches(msg, m.keys.Lock):
		switch m.sess.LockState() {
		case lock.Held, lock.Renewing, lock.Lost:
			return m, m.run(func(ctx context.Context) (string, error) {
				return "lock released", m.sess.ReleaseLock(ctx)
			})
		default:
			return m, m.run(func(ctx context.Context) (string, error) {
				lease, err := m.sess.AcquireLock(ctx)
				return fmt.Sprintf("lock held until %s", lease.Expires.Format("15:04:05")), err
			})
		}

	case key.Matches(msg, m.keys.Home):
		if err := m.lockHeld(); err != nil {
			m.message = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("home: " + err.Error())
			return m, nil
		}
		return m, m.run(func(ctx context.Context) (string, error) {
			return "homing", m.sess.Home(ctx)
		})
	}

	return m, nil
}

func (m Model) lockHeld() error {
	switch m.sess.LockState() {
	case lock.Held, lock.Renewing:
		return nil
	case lock.Lost:
		return lock.ErrLost
	default:
		return lock.ErrNotLocked
	}
}

// run performs a device call off the UI goroutine.
func (m Model) run(fn func(context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		text, err := fn(ctx)
		return actionMsg{text: text, err: err}
	}
}

// View renders the monitor.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.failed {
		return m.renderFailed()
	}

	sections := []string{
		m.statusBar.View(),
		m.robot.View(),
	}
	if m.message != "" {
		sections = append(sections, "  "+m.message)
	}
	sections = append(sections, "  "+m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderFailed() string {
	reason := "unknown error"
	if err := m.sess.Err(); err != nil {
		reason = err.Error()
	}
	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorDanger).
		Padding(1, 4).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("CONNECTION FAILED"),
			"",
			theme.StyleDimmed.Render(reason),
			"",
			theme.StyleDimmed.Render("Reconnect attempts exhausted. Press q to quit."),
		))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
