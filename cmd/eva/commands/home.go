package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/pkg/state"
)

var homeWait bool

var homeCmd = &cobra.Command{
	Use:   "home",
	Short: "Move the arm to its home position",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := stderrLogger()
		s, _, err := connect(ctx, logger)
		if err != nil {
			return err
		}
		defer disconnect(ctx, s, logger)

		err = s.Lock(ctx, func(ctx context.Context) error {
			if err := s.Home(ctx); err != nil {
				return err
			}
			if !homeWait {
				return nil
			}
			return s.WaitForControl(ctx, state.Ready)
		})
		if err != nil {
			return fmt.Errorf("home: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	homeCmd.Flags().BoolVar(&homeWait, "wait", false, "wait until the arm reports ready")
	rootCmd.AddCommand(homeCmd)
}
