package cli

import (
	"os"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/spf13/cobra"

	"github.com/mev-engine/mev-execution-core/internal/api"
)

var (
	cfgFile string
	apiAddr string
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mev-engine",
		Short: "MEV mempool scanner and bundle execution engine",
		Long: `mev-engine watches the pending transaction pool, runs registered
strategies against every transaction and submits the resulting bundles to
private relays with gas, nonce and profitability control.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", cli.GetEnv("MEV_CONFIG", ""), "config file (default is ./configs/config.yaml)")
	root.PersistentFlags().StringVar(&apiAddr, "api", cli.GetEnv("MEV_API", "127.0.0.1:8080"), "ops API address of a running engine")

	root.AddCommand(
		newStartCommand(),
		newValidateCommand(),
		newStatusCommand(),
		newStrategyCommand(),
		newEmergencyStopCommand(),
		newMonitorCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

func newAPIClient() *api.Client {
	return api.NewClient(apiAddr, 5*time.Second)
}
