package bootstrap

import (
	"skytrader/internal/core"
	"skytrader/pkg/logging"
)

// InitLogger creates the process logger, tagged with the traded symbol
func InitLogger(cfg *Config) (*logging.ZapLogger, core.ILogger, error) {
	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return zl, zl.WithField("symbol", cfg.Trading.Symbol), nil
}
