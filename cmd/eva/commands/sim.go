package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/internal/sim"
)

var (
	simListen string
	simOpts   = sim.DefaultOptions()
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated Eva device",
	Long: `Serve the Eva REST API and data stream backed by a simulated arm.

Point the other commands at it to try them without hardware:
  eva sim --listen 127.0.0.1:8080 &
  eva monitor --address 127.0.0.1:8080 --token sim-token`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := stderrLogger()
		opts := simOpts
		if token != "" {
			opts.APIToken = token
		}
		dev := sim.NewDevice(opts, sim.WithLogger(logger))

		ctx := cmd.Context()
		go dev.Run(ctx)

		srv := &http.Server{
			Addr:              simListen,
			Handler:           dev.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		logger.Info("simulated device listening", "addr", simListen, "api_token", opts.APIToken)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("sim server: %w", err)
		}
		return nil
	},
}

func init() {
	simCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:8080", "address to serve on")
	simCmd.Flags().StringVar(&simOpts.Name, "name", simOpts.Name, "device name")
	simCmd.Flags().DurationVar(&simOpts.LockTTL, "lock-ttl", simOpts.LockTTL, "control lock lifetime without renewal")
	simCmd.Flags().DurationVar(&simOpts.Tick, "tick", simOpts.Tick, "motion update interval")
	simCmd.Flags().Float64Var(&simOpts.Step, "step", simOpts.Step, "largest joint move per tick, radians")
	simCmd.Flags().DurationVar(&simOpts.Heartbeat, "heartbeat", simOpts.Heartbeat, "stream heartbeat interval")
	rootCmd.AddCommand(simCmd)
}
