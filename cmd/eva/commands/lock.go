package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/pkg/eva"
)

var (
	lockHold time.Duration
	lockWait bool
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Take the control lock and hold it",
	Long: `Acquire the control lock, keep it renewed for --hold (or until
interrupted) and release it.

With --wait the command polls until another client releases the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := stderrLogger()
		s, _, err := connect(ctx, logger)
		if err != nil {
			return err
		}
		defer disconnect(ctx, s, logger)

		hold := func(ctx context.Context) error {
			fmt.Fprintf(cmd.OutOrStdout(), "holding lock as %s\n", s.Holder())
			var expired <-chan time.Time
			if lockHold > 0 {
				expired = time.After(lockHold)
			}
			select {
			case <-ctx.Done():
				if errors.Is(context.Cause(ctx), eva.ErrLost) {
					return eva.ErrLost
				}
				return nil
			case <-expired:
				return nil
			}
		}

		for {
			err = s.Lock(ctx, hold)
			if !lockWait || !errors.Is(err, eva.ErrBusy) {
				break
			}
			logger.Info("lock busy, waiting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "lock released")
		return nil
	},
}

func init() {
	lockCmd.Flags().DurationVar(&lockHold, "hold", 0, "how long to hold the lock (0 = until interrupted)")
	lockCmd.Flags().BoolVar(&lockWait, "wait", false, "wait while another client holds the lock")
	rootCmd.AddCommand(lockCmd)
}
