package commands

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/evarobotics/evago/pkg/eva"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and device versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "eva %s (%s)\n", Version, runtime.Version())

		cfg, err := loadConfig()
		if err != nil {
			// No device configured; the client version is all we can show.
			return nil
		}
		s, err := eva.New(cfg, eva.WithLogger(stderrLogger()))
		if err != nil {
			return err
		}
		versions, err := s.Versions(cmd.Context())
		if err != nil {
			return fmt.Errorf("device versions: %w", err)
		}
		keys := make([]string, 0, len(versions))
		for k := range versions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, versions[k])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
