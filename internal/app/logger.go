package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mev-engine/mev-execution-core/internal/config"
)

// NewLogger builds the process logger. Production mode writes JSON lines with
// ISO8601 timestamps to stdout; otherwise the development console encoder is used.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var logger *zap.Logger
	if cfg.Production {
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			level,
		))
	} else {
		devCfg := zap.NewDevelopmentConfig()
		devCfg.Level = level
		var err error
		if logger, err = devCfg.Build(); err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}
