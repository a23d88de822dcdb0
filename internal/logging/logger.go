// Package logging wraps zap for the pipeline's structured, leveled
// logging of session and task lifecycle events.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the small set of levels the pipeline actually logs at.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Level     Level
	Component string
}

// New builds a *zap.SugaredLogger writing JSON to stderr at the configured
// level, tagged with Component. Callers that don't care about logging can
// use Nop instead of constructing one.
func New(cfg Config) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		cfg.Level.zapLevel(),
	)

	logger := zap.New(core)
	if cfg.Component != "" {
		logger = logger.Named(cfg.Component)
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, used as the default when
// a pipeline.Config does not supply one.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
