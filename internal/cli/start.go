package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/internal/api"
	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/internal/config"
)

func newStartCommand() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the MEV engine",
		Long: `Start the engine: connect to the node, begin scanning the mempool and
run until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runEngine(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&host, "bind", "", "bind address for the ops API (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "port for the ops API (overrides config)")
	return cmd
}

// appOptions is the engine graph: the core components plus the ops server
func appOptions() fx.Option {
	return fx.Options(app.Module, api.Module)
}

func newEngine(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		appOptions(),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Options(opts...),
	)
}

// runEngine starts the graph and blocks until a shutdown signal or ctx ends
func runEngine(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	engine := newEngine(cfg)
	if err := engine.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, engine.StartTimeout())
	defer cancel()
	if err := engine.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	select {
	case <-engine.Done():
	case <-ctx.Done():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), engine.StopTimeout())
	defer cancelStop()
	if err := engine.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop application cleanly: %w", err)
	}
	return nil
}
