package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mev-engine/mev-execution-core/internal/tui"
)

func newMonitorCommand() *cobra.Command {
	var (
		refreshRate time.Duration
		compactMode bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start terminal-based monitoring interface",
		Long: `Launch an interactive terminal UI showing a running engine's health,
mempool throughput, executions, relays and strategies. Press 'q' to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.StartMonitor(tui.Config{
				RefreshRate: refreshRate,
				CompactMode: compactMode,
			}, newAPIClient())
		},
	}

	cmd.Flags().DurationVarP(&refreshRate, "refresh", "r", time.Second, "refresh interval")
	cmd.Flags().BoolVarP(&compactMode, "compact", "c", false, "compact display mode")
	return cmd
}
