package api

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
)

// Module adds the ops server to an application graph built from app.Module
var Module = fx.Options(
	fx.Provide(provideServer),
	fx.Invoke(registerHooks),
)

func provideServer(cfg *config.Config, application *app.Application, collector *metrics.Collector, logger *zap.Logger) *Server {
	return NewServer(cfg.Server, application, collector.PrometheusHandler(), logger)
}

// registerHooks runs after app.Module's hooks, so the server starts after the
// engine and stops before it
func registerHooks(lc fx.Lifecycle, cfg *config.Config, server *Server) {
	if !cfg.Server.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
}
