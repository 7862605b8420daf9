package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

type logConfig struct {
	level      string
	file       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

// newLogger logs text to stderr and, if a file is configured, to a
// rotating log file as well. The returned func closes the file.
func newLogger(cfg logConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.level, err)
	}

	var (
		writer io.Writer = os.Stderr
		closeFn          = func() {}
	)
	if cfg.file != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.file), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		var fileWriter = &lumberjack.Logger{
			Filename:   cfg.file,
			MaxSize:    cfg.maxSizeMB,
			MaxBackups: cfg.maxBackups,
			MaxAge:     cfg.maxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stderr, fileWriter)
		closeFn = func() { _ = fileWriter.Close() }
	}

	var logger = slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closeFn, nil
}
