// Package logging builds the process logger. Output goes to stderr or to a
// size-rotated file, never to stdout, which the MCP transport owns.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dshills/receiptscout/internal/config"
)

// New returns a JSON logger configured from cfg, plus a flush/close func
// that must be called before exit
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var (
		out     zapcore.WriteSyncer
		closers []io.Closer
	)
	if cfg.File == "" {
		out = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = zapcore.AddSync(rotator)
		closers = append(closers, rotator)
	}

	logger := zap.New(newCore(out, level), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		for _, c := range closers {
			_ = c.Close()
		}
	}
	return logger, cleanup, nil
}

// NewWriter returns a logger writing JSON lines to w. Used by tests.
func NewWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	return zap.New(newCore(zapcore.AddSync(w), level))
}

func newCore(out zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, level)
}
