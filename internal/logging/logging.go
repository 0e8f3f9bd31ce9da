// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger: a zap core exposed through
// log/slog so library packages only depend on *slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/davitacols/supawave-sub002/internal/config"
)

// Logger pairs the slog front end with the zap core behind it.
type Logger struct {
	*slog.Logger
	core zapcore.Core
	file *lumberjack.Logger
}

// New builds a logger from cfg and installs it as the slog default.
func New(cfg config.LoggerConfig) (*Logger, error) {
	return newLogger(cfg, os.Stdout, true)
}

func newLogger(cfg config.LoggerConfig, stdout io.Writer, setDefault bool) (*Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logger level: %w", err)
	}
	enabler := zap.NewAtomicLevelAt(level)

	var consoleEncoder zapcore.Encoder
	if cfg.Mode == "production" {
		consoleEncoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, zapcore.AddSync(stdout), enabler)}

	l := &Logger{}
	if cfg.FileEnable && cfg.Filename != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(l.file),
			enabler,
		))
	}

	l.core = zapcore.NewTee(cores...)
	l.Logger = slog.New(zapslog.NewHandler(l.core, zapslog.WithCaller(true)))
	if setDefault {
		slog.SetDefault(l.Logger)
	}
	return l, nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.core.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
