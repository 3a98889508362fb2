package main

import (
	"io"
	"log/slog"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gogpu/clean"
	"github.com/gogpu/clean/internal/runconfig"
)

// Rotation settings for the optional log file.
const (
	logMaxSizeMB  = 50
	logMaxBackups = 5
	logMaxAgeDays = 30
)

// newLogger builds the driver's logger and installs it in package clean.
// Every record carries the run ID. The returned closer flushes the log
// file, if any.
func newLogger(cfg runconfig.Config, runID uuid.UUID, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}

	var (
		out    = stderr
		closer io.Closer
	)
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(stderr, file)
		closer = file
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})).
		With("run", runID.String())
	clean.SetLogger(logger)
	return logger, closer, nil
}
