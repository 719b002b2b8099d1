package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/pkg/config"
	"github.com/evarobotics/evago/pkg/eva"
)

var (
	// Global flags
	configPath string
	address    string
	token      string
	timeout    time.Duration
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "eva",
	Short: "Operate an Eva robotic arm",
	Long: `eva - command line client for Eva robotic arms.

The device address and API token come from the config file, the
EVA_ADDRESS and EVA_TOKEN environment variables, or the --address and
--token flags, in increasing order of precedence.

Examples:
  # Watch the arm live
  eva monitor --address 192.168.1.245 --token $TOKEN

  # Dump the current state
  eva state -c eva.yaml

  # Home the arm and wait until it is ready
  eva home --wait`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "device address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "device API token (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "per-request timeout (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if address != "" {
		cfg.Device.Address = address
	}
	if token != "" {
		cfg.Device.Token = token
	}
	if timeout > 0 {
		cfg.Device.RequestTimeout = timeout
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// connect builds a session from flags and config and connects it. The
// caller must Disconnect.
func connect(ctx context.Context, logger *slog.Logger) (*eva.Session, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := eva.New(cfg, eva.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

// disconnect ends the session even when ctx has been cancelled.
func disconnect(ctx context.Context, s *eva.Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Disconnect(ctx); err != nil {
		logger.Warn("disconnect", "err", err)
	}
}

func stderrLogger() *slog.Logger {
	return newLogger(os.Stderr)
}
