package log

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/config"
)

var Module = fx.Module("log",
	fx.Provide(New),
)

// New builds the process logger. Development environments get the
// human-readable console encoder.
func New(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, err := Build(cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

// Build returns a logger tagged with the service name and version.
func Build(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", cfg.AppName),
		zap.String("version", cfg.AppVersion),
	), nil
}
