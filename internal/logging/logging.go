// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is console or json.
	Format string
	// Output is stdout, stderr or a file path. Files are rotated.
	Output string
	// MaxSizeMB and MaxBackups apply to file outputs only.
	MaxSizeMB  int
	MaxBackups int
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	core := zapcore.NewCore(encoder, writer(cfg), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

func writer(cfg Config) zapcore.WriteSyncer {
	switch cfg.Output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// BadgerLogger adapts a zap logger to badger's Logger interface.
type BadgerLogger struct {
	s *zap.SugaredLogger
}

// NewBadgerLogger returns an adapter that logs under the "badger" name.
// Badger is chatty at info level, so its info messages go to debug.
func NewBadgerLogger(l *zap.Logger) *BadgerLogger {
	return &BadgerLogger{s: OrNop(l).Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (b *BadgerLogger) Errorf(f string, v ...any)   { b.s.Errorf(strings.TrimSpace(f), v...) }
func (b *BadgerLogger) Warningf(f string, v ...any) { b.s.Warnf(strings.TrimSpace(f), v...) }
func (b *BadgerLogger) Infof(f string, v ...any)    { b.s.Debugf(strings.TrimSpace(f), v...) }
func (b *BadgerLogger) Debugf(f string, v ...any)   { b.s.Debugf(strings.TrimSpace(f), v...) }
