// Package logging builds the process logger from the -v count.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity thresholds shared by every component.
const (
	// Connection lifecycle (connect, join, leave, disconnect).
	LevelLifecycle = 1
	// One line per inbound and outbound event.
	LevelEvents = 2
	// Debug output, including shutdown sequencing.
	LevelDebug = 3
)

// New returns a console logger. Verbosity 3 and above enables debug output.
func New(verbosity int) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbosity >= LevelDebug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// Verbose gates log lines on a verbosity count, mirroring the CLI's -v flags.
type Verbose struct {
	Log       *zap.Logger
	Verbosity int
}

// At logs msg at info level when level is within the verbosity threshold.
func (v Verbose) At(level int, msg string, fields ...zap.Field) {
	if v.Log == nil || level > v.Verbosity {
		return
	}
	if level >= LevelDebug {
		v.Log.Debug(msg, fields...)
		return
	}
	v.Log.Info(msg, fields...)
}
