// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for funsies components.
//
// # Architecture
//
// Built on log/slog, with a multi-destination handler:
//
//	┌───────────────────────────────────────────────────────┐
//	│                       Logger                           │
//	│  ┌────────────┐  ┌────────────┐  ┌───────────────────┐ │
//	│  │   stderr   │  │  log file  │  │   LogExporter      │ │
//	│  │ (default)  │  │ (optional) │  │ (operation records) │ │
//	│  └────────────┘  └────────────┘  └───────────────────┘ │
//	└───────────────────────────────────────────────────────┘
//
// A worker uses this package both for its own operational log lines
// and, via OperationEntry and a registered LogExporter, to emit one
// structured record per completed operation — a drop-in home for a
// dashboard, metrics pipeline, or audit sink that wants to watch
// execution without polling the store.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level passed through to stderr/file.
	// Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory (supports
	// "~" expansion), named "{Service}_{YYYY-MM-DD}.log", JSON-formatted
	// regardless of the JSON field below.
	LogDir string

	// Service names the component generating logs, attached to every
	// entry as "service".
	Service string

	// JSON selects JSON output on stderr; text otherwise. File output
	// is always JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// Exporter, if set, additionally receives an OperationEntry for
	// every call to LogOperation.
	Exporter LogExporter
}

// LogExporter receives one record per completed operation. Export
// should be non-blocking and buffer internally; failures are logged,
// never propagated to the worker loop that triggered them.
type LogExporter interface {
	Export(ctx context.Context, entry OperationEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// OperationEntry is the structured record emitted once per completed
// operation via Logger.LogOperation — the generalization, for this
// engine, of the reference logging package's chat/session LogEntry.
type OperationEntry struct {
	Timestamp   time.Time
	Operation   string // hex hash
	Funsie      string // hex hash
	Status      string // "done" or "error"
	Duration    time.Duration
	ErrorKind   string // empty unless Status == "error"
	ErrorOrigin string // hex hash of the origin operation, if any
}

// Logger wraps slog.Logger with file output and an optional
// operation-record exporter.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New builds a Logger from config.
func New(config Config) *Logger {
	var handlers []slog.Handler
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{config: config, exporter: config.Exporter}

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err == nil {
			name := fmt.Sprintf("%s_%s.log", config.Service, time.Now().Format("2006-01-02"))
			if f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640); err == nil {
				logger.file = f
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		logger.slog = slog.New(handler).With("service", config.Service)
	} else {
		logger.slog = slog.New(handler)
	}
	return logger
}

// Default returns a Logger with LevelInfo, text output to stderr.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child Logger with additional attributes on every line.
func (l *Logger) With(args ...any) *Logger {
	child := *l
	child.slog = l.slog.With(args...)
	return &child
}

// Slog exposes the underlying *slog.Logger, e.g. to pass to the
// Badger/Postgres backend constructors.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// LogOperation emits an OperationEntry to both the text log and, if
// configured, the exporter.
func (l *Logger) LogOperation(ctx context.Context, entry OperationEntry) {
	l.slog.Info("operation completed",
		"operation", entry.Operation,
		"funsie", entry.Funsie,
		"status", entry.Status,
		"duration_ms", entry.Duration.Milliseconds(),
		"error_kind", entry.ErrorKind,
	)
	l.mu.Lock()
	exporter := l.exporter
	l.mu.Unlock()
	if exporter == nil {
		return
	}
	exportCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := exporter.Export(exportCtx, entry); err != nil {
		l.slog.Warn("log exporter failed", "error", err.Error())
	}
}

// Close flushes and closes the exporter (if any) and the log file
// (if any).
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type multiHandler struct{ handlers []slog.Handler }

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// NopExporter discards every entry; the default when Config.Exporter
// is unset in practice, kept exported for tests that want an explicit
// no-op.
type NopExporter struct{}

func (NopExporter) Export(context.Context, OperationEntry) error { return nil }
func (NopExporter) Flush(context.Context) error                 { return nil }
func (NopExporter) Close() error                                { return nil }
