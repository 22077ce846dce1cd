package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStrategyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Enable or disable a registered strategy",
	}

	for _, enabled := range []bool{true, false} {
		enabled := enabled
		use := "disable"
		if enabled {
			use = "enable"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use + " <name>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a strategy on a running engine",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				if err := newAPIClient().SetStrategyEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Strategy %s %sd\n", args[0], use)
				return nil
			},
		})
	}
	return cmd
}

func newEmergencyStopCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Emergency stop with confirmation",
		Long: `Stop every in-flight execution on a running engine and halt the
orchestrator. Pending bundles are abandoned and their nonces released.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !confirm {
				fmt.Fprint(out, "Type 'EMERGENCY STOP' to confirm: ")
				input, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(input) != "EMERGENCY STOP" {
					fmt.Fprintln(out, "Emergency stop cancelled")
					return nil
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			stopped, err := newAPIClient().EmergencyStop(ctx)
			if err != nil {
				return fmt.Errorf("failed to send emergency stop: %w", err)
			}
			fmt.Fprintf(out, "Emergency stop executed, %d executions stopped\n", stopped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip the confirmation prompt")
	return cmd
}
