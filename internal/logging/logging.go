// Package logging builds the zap loggers shared by every sleepsync component.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure New.
type Options struct {
	// Level is one of debug, info, warn, error (default info)
	Level string
	// File enables rotated file output instead of stderr
	File string
	// MaxSizeMB is the size at which the log file rotates (default 10)
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep (default 3)
	MaxBackups int
	// MaxAgeDays removes rotated files older than this (0 = keep)
	MaxAgeDays int
	// JSON switches from console to JSON encoding
	JSON bool
}

// New builds a sugared logger from opts.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

var (
	defaultOnce   sync.Once
	defaultLogger *zap.SugaredLogger
)

// Default returns the process-wide stderr logger at info level.
func Default() *zap.SugaredLogger {
	defaultOnce.Do(func() {
		l, err := New(Options{})
		if err != nil {
			l = zap.NewNop().Sugar()
		}
		defaultLogger = l
	})
	return defaultLogger
}

// Named returns l.Named(name), substituting Default() for a nil logger.
func Named(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if l == nil {
		l = Default()
	}
	return l.Named(name)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
