package commands

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evarobotics/evago/pkg/dispatch"
	"github.com/evarobotics/evago/pkg/state"
)

var (
	stateWatch  bool
	stateFormat string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the robot state",
	Long: `Connect, print the current robot state and exit.

The default format is YAML; --format markdown prints a report rendered
for the terminal. With --watch every state change is printed as a
separate document until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := stderrLogger()
		s, _, err := connect(ctx, logger)
		if err != nil {
			return err
		}
		defer disconnect(ctx, s, logger)

		out := cmd.OutOrStdout()
		write := writeState
		switch stateFormat {
		case "yaml":
		case "markdown", "md":
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				return err
			}
			write = func(w io.Writer, st *state.RobotState) error { return renderState(w, r, st) }
		default:
			return fmt.Errorf("unknown format %q (want yaml or markdown)", stateFormat)
		}

		if err := write(out, s.CurrentState()); err != nil {
			return err
		}
		if !stateWatch {
			return nil
		}

		changes := make(chan *state.RobotState, 64)
		sub := s.Subscribe(func(u dispatch.Update) {
			select {
			case changes <- u.New:
			case <-ctx.Done():
			}
		}, dispatch.WithQueueSize(64))
		defer s.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-changes:
				if err := write(out, st); err != nil {
					return err
				}
			}
		}
	},
}

func writeState(w io.Writer, st *state.RobotState) error {
	if st == nil {
		return fmt.Errorf("no state received")
	}
	if _, err := io.WriteString(w, "---\n"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return enc.Close()
}

// renderState prints st as a markdown report through r.
func renderState(w io.Writer, r *glamour.TermRenderer, st *state.RobotState) error {
	if st == nil {
		return fmt.Errorf("no state received")
	}
	text, err := r.Render(stateMarkdown(st))
	if err != nil {
		return fmt.Errorf("render state: %w", err)
	}
	_, err = io.WriteString(w, text)
	return err
}

func stateMarkdown(st *state.RobotState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Robot state (seq %d)\n\n", st.Seq)
	fmt.Fprintf(&b, "- **Control:** %s\n", st.Control.State)
	if st.Control.RunMode != "" {
		fmt.Fprintf(&b, "- **Run mode:** %s, loop %d of %d\n", st.Control.RunMode, st.Control.LoopCount, st.Control.LoopTarget)
	}
	fmt.Fprintf(&b, "- **Lock:** %s (%s)\n", st.Lock.Status, st.Lock.Owner)
	for _, e := range st.Errors {
		fmt.Fprintf(&b, "- **Error:** `%s`\n", e)
	}

	b.WriteString("\n## Joints\n\n| Joint | Radians | Degrees |\n|---|---:|---:|\n")
	for i, rad := range st.Joints {
		fmt.Fprintf(&b, "| %d | %.4f | %.1f |\n", i+1, rad, rad*180/math.Pi)
	}

	for _, group := range []struct {
		title string
		pins  map[string]any
	}{{"Outputs", st.Outputs}, {"Inputs", st.Inputs}} {
		if len(group.pins) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n| Pin | Value |\n|---|---|\n", group.title)
		names := make([]string, 0, len(group.pins))
		for name := range group.pins {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(&b, "| %s | %v |\n", name, group.pins[name])
		}
	}
	return b.String()
}

func init() {
	stateCmd.Flags().BoolVarP(&stateWatch, "watch", "w", false, "keep printing state changes")
	stateCmd.Flags().StringVarP(&stateFormat, "format", "f", "yaml", "output format: yaml or markdown")
	rootCmd.AddCommand(stateCmd)
}
