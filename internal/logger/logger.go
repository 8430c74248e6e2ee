// Package logger builds the process logger: a logr.Logger backed by zap,
// writing human-readable console output to stderr.
package logger

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger named name. With verbose set, V(1) messages are
// emitted as well. The returned func flushes buffered output.
func New(name string, verbose bool) (logr.Logger, func()) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		// logr V(n) maps to zap level -n.
		level.SetLevel(zapcore.Level(-1))
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)
	zl := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	flush := func() {
		_ = zl.Sync()
	}
	return zapr.NewLogger(zl).WithName(name), flush
}
