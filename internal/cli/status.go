package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mev-engine/mev-execution-core/internal/app"
)

func newStatusCommand() *cobra.Command {
	var (
		jsonOutput    bool
		watchMode     bool
		watchInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check MEV engine status",
		Long: `Check the status of a running engine through its ops API: health,
backpressure, mempool throughput, execution counters and relay state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			show := func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()

				health, err := client.Health(ctx)
				if err != nil {
					return fmt.Errorf("failed to get engine health: %w", err)
				}
				snapshot, err := client.Snapshot(ctx)
				if err != nil {
					return fmt.Errorf("failed to get engine snapshot: %w", err)
				}
				if jsonOutput {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]interface{}{"health": health, "snapshot": snapshot})
				}
				printStatus(cmd.OutOrStdout(), health, snapshot)
				return nil
			}

			if !watchMode {
				return show()
			}

			ticker := time.NewTicker(watchInterval)
			defer ticker.Stop()
			for {
				if err := show(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	cmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "watch mode (continuous updates)")
	cmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "watch interval duration")
	return cmd
}

func printStatus(w io.Writer, health *app.Health, s *app.Snapshot) {
	status := "degraded"
	switch {
	case !health.Running:
		status = "stopped"
	case health.Healthy:
		status = "healthy"
	}

	fmt.Fprintf(w, "MEV Engine Status\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Status:        %s\n", status)
	fmt.Fprintf(w, "Backpressure:  %s\n", health.Backpressure)
	for _, reason := range health.Orchestrator.Reasons {
		fmt.Fprintf(w, "  - %s\n", reason)
	}

	fmt.Fprintf(w, "\nMempool\n-------\n")
	fmt.Fprintf(w, "Received:      %d\n", s.Scanner.Received)
	fmt.Fprintf(w, "Accepted:      %d\n", s.Scanner.Accepted)
	fmt.Fprintf(w, "Filtered:      %d\n", s.Scanner.Filtered)
	fmt.Fprintf(w, "Dropped:       %d\n", s.Scanner.Dropped)
	fmt.Fprintf(w, "TPS:           %.1f\n", s.Scanner.CurrentTPS)

	fmt.Fprintf(w, "\nExecution\n---------\n")
	fmt.Fprintf(w, "Opportunities: %d\n", s.Orchestrator.Opportunities)
	fmt.Fprintf(w, "Included:      %d\n", s.Execution.Succeeded)
	fmt.Fprintf(w, "Failed:        %d\n", s.Execution.Failed)
	fmt.Fprintf(w, "Expired:       %d\n", s.Execution.Expired)
	profit := decimal.Zero
	if s.Execution.TotalNetProfit != nil {
		profit = decimal.NewFromBigInt(s.Execution.TotalNetProfit, -18)
	}
	fmt.Fprintf(w, "Net profit:    %s ETH\n", profit.StringFixed(6))

	if len(s.Relays) > 0 {
		fmt.Fprintf(w, "\nRelays\n------\n")
		for _, r := range s.Relays {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(w, "%-16s %-9s submissions %d  success %.0f%%\n", r.Name, state, r.Submissions, r.SuccessRate*100)
		}
	}

	if len(s.Strategies) > 0 {
		fmt.Fprintf(w, "\nStrategies\n----------\n")
		names := make([]string, 0, len(s.Strategies))
		for name := range s.Strategies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%-16s %t\n", name, s.Strategies[name])
		}
	}
}
