// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package logging builds the structured logger each pipeline phase runs
// with: console output and a per-run log file named after the phase.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// FilePath returns <logsDir>/<phase>_<YYYYMMDD_HHMMSS>.log.
func FilePath(logsDir, phase string, ts time.Time) string {
	return filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", phase, ts.Format("20060102_150405")))
}

// ParseLevel maps a config level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is a configured logger and the file it writes to, if any.
type Logger struct {
	*slog.Logger

	// Path is the log file path, empty when file output is off.
	Path string

	file *os.File
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Setup builds the logger for one phase. Console output goes to console
// (normally os.Stdout).
func Setup(cfg types.LoggingConfig, logsDir, phase string, console io.Writer, now time.Time) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var (
		handlers []slog.Handler
		out      Logger
	)
	if cfg.ConsoleOutput && console != nil {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}
	if cfg.FileOutput {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		out.Path = FilePath(logsDir, phase, now)
		f, err := os.OpenFile(out.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out.file = f
		handlers = append(handlers, slog.NewTextHandler(f, opts))
	}

	switch len(handlers) {
	case 0:
		out.Logger = slog.New(slog.DiscardHandler)
	case 1:
		out.Logger = slog.New(handlers[0])
	default:
		out.Logger = slog.New(slogmulti.Fanout(handlers...))
	}
	out.Logger = out.Logger.With(slog.String("phase", phase))
	return &out, nil
}
