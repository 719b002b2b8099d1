package commands

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/internal/tui/app"
)

var monitorLogFile string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of the robot state",
	Long: `Open a full-screen monitor showing connectivity, the control lock,
the control state, joint positions and GPIO.

Keys:
  l  take or release the control lock
  h  home the arm (requires the lock)
  r  ask the device who holds the lock
  q  quit (releases the lock)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var w io.Writer = io.Discard
		if monitorLogFile != "" {
			f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			w = f
		}
		logger := newLogger(w)

		ctx := cmd.Context()
		s, cfg, err := connect(ctx, logger)
		if err != nil {
			return err
		}
		defer disconnect(ctx, s, logger)

		p := tea.NewProgram(app.New(s, cfg.Device.Address), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "write logs to this file while the monitor runs")
	rootCmd.AddCommand(monitorCmd)
}
