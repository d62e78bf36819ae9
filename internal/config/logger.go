package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: development output when ENV is
// development, JSON otherwise, at LOG_LEVEL. An unknown level falls back to
// info.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
