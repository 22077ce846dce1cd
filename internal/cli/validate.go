package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/mev-engine/mev-execution-core/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and dependency graph",
		Long: `Load the configuration, validate it and resolve every component
without connecting to the node or starting anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := fx.ValidateApp(fx.Supply(cfg), appOptions()); err != nil {
				return fmt.Errorf("invalid application graph: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: chain %d, %d relays, %d strategies configured\n",
				cfg.Chain.ChainID, len(cfg.Endpoints), len(cfg.Strategies))
			return nil
		},
	}
}
