// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for AutoPromptix components.
//
// Every logger writes to up to three destinations at once:
//
//	┌───────────────────────────────────────────────────────┐
//	│                        Logger                         │
//	│  ┌────────────┐   ┌────────────┐   ┌───────────────┐  │
//	│  │   output   │   │  log file  │   │     Sink      │  │
//	│  │  (stderr)  │   │ (optional) │   │  (optional)   │  │
//	│  └────────────┘   └────────────┘   └───────────────┘  │
//	└───────────────────────────────────────────────────────┘
//
// The output stream follows Unix conventions and defaults to stderr so
// that stdout stays free for command results. File logs are always JSON.
// A Sink receives every record as an Entry; MemorySink is used by tests to
// assert on what a component logged.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("Starting optimization run", "run_id", id)
//
// # Security Considerations
//
// Nothing is redacted. Callers log sizes and counts for user input, never
// the text itself:
//
//	logger.Info("Request accepted", "input_bytes", len(req.UserInput))
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

// =============================================================================
// Log Levels
// =============================================================================

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LevelEnv overrides the level used by Default.
const LevelEnv = "AUTOPROMPTIX_LOG_LEVEL"

// DefaultService tags records when Config.Service is empty.
const DefaultService = "autopromptix"

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a config or flag value to a Level.
//
// # Inputs
//
//   - s: One of debug, info, warn, warning, error. Case and surrounding
//     space are ignored. Empty means info.
//
// # Outputs
//
//   - Level: The parsed level, or LevelInfo on error.
//   - error: Non-nil for an unrecognized value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
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

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs text at Info to stderr.
type Config struct {
	// Level is the minimum level. Default: LevelInfo.
	Level Level

	// LogDir enables an additional JSON log file named
	// "{Service}_{YYYY-MM-DD}.log". A leading ~ expands to the home
	// directory. The directory is created with 0750 permissions.
	LogDir string

	// Service is attached to every record as "service". Default: DefaultService.
	Service string

	// JSON selects JSON for the output stream instead of text.
	JSON bool

	// Quiet disables the output stream. File and Sink still receive records.
	Quiet bool

	// Output replaces stderr as the output stream.
	Output io.Writer

	// Sink receives every record that passes the level filter.
	Sink Sink
}

// =============================================================================
// Sinks
// =============================================================================

// Sink receives log records in addition to the output stream.
//
// # Assumptions
//
//   - Record is called synchronously on the logging goroutine and must
//     not block. Errors are dropped.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
	Close() error
}

// Entry is one log record as seen by a Sink.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
	Service string
	Attrs   map[string]any
}

// MemorySink keeps every entry in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends entry.
func (s *MemorySink) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Entries returns a copy of the recorded entries in order.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Messages returns the messages recorded at level or above.
func (s *MemorySink) Messages(min Level) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.Level >= min {
			out = append(out, e.Message)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)

// sinkHandler adapts a Sink to slog.Handler.
type sinkHandler struct {
	sink    Sink
	service string
	level   slog.Level
	attrs   []slog.Attr
	group   string
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Any()
		return true
	})
	_ = h.sink.Record(ctx, Entry{
		Time:    r.Time,
		Level:   fromSlogLevel(r.Level),
		Message: r.Message,
		Service: h.service,
		Attrs:   attrs,
	})
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group += "." + name
	}
	return &next
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with file output, a Sink and Close.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Loggers derived with With share the
// parent's file and sink; only the root logger should be closed.
type Logger struct {
	slog *slog.Logger
	file *os.File
	sink Sink
	mu   sync.Mutex
}

// New creates a Logger. Failing to create the log file is not fatal: the
// logger continues without it and reports the failure on the output stream.
//
// # Examples
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    LogDir: "~/.autopromptix/logs",
//	})
//	defer logger.Close()
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{sink: cfg.Sink}

	var fileErr error
	if cfg.LogDir != "" {
		logger.file, fileErr = openLogFile(cfg.LogDir, cfg.Service)
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	if cfg.Sink != nil {
		handlers = append(handlers, &sinkHandler{sink: cfg.Sink, service: cfg.Service, level: opts.Level.Level()})
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
	handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.Warn("Log file disabled", "dir", cfg.LogDir, "error", fileErr)
	}
	return logger
}

// Default returns a text logger on stderr. The level comes from the
// AUTOPROMPTIX_LOG_LEVEL environment variable, Info when unset or invalid.
func Default() *Logger {
	level, _ := ParseLevel(os.Getenv(LevelEnv))
	return New(Config{Level: level})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Quiet: true})
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog: l.slog.With(args...),
		file: l.file,
		sink: l.sink,
	}
}

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the log file and the sink. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.sink != nil {
		if err := l.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		l.sink = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("logging: %v", errs)
	}
	return nil
}

// =============================================================================
// Multi Handler
// =============================================================================

// multiHandler fans a record out to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
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
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
