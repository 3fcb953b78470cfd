package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/codequeue/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "codequeue"

// NewFromConfig builds the process logger from the logging section.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger in "development" (console) or "production" (JSON) mode.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// Per-job lines must never be sampled away.
		cfg.Sampling = nil
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.InitialFields = map[string]any{"service": ServiceName}

	return cfg.Build()
}

// ForJob returns a child logger carrying the job id and language.
func ForJob(log *zap.Logger, jobID, language string) *zap.Logger {
	return log.With(zap.String("job_id", jobID), zap.String("language", language))
}
