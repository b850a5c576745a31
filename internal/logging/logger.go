// Package logging builds the zap logger shared by the CLI and its components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the encoder, minimum level and sinks of the logger.
type Options struct {
	// Development selects the colored console encoder instead of JSON.
	Development bool
	// Level is a zap level name. Empty means info.
	Level string
	// Outputs are zap sink URLs or file paths. Empty means stderr, which
	// keeps stdout free for fetched URLs.
	Outputs []string
}

// New builds a zap.Logger named "groupcrawl" from opts.
func New(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		// Crawls log one line per job; sampling would hide per-origin failures.
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}
	if len(opts.Outputs) > 0 {
		cfg.OutputPaths = opts.Outputs
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("groupcrawl"), nil
}
