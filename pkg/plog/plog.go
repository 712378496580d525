package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another. In quiet mode, records below WARNING
// are dropped entirely; quiet only affects the console, never the run log.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	if quietMode.Load() {
		return nil
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// teeHandler mirrors every record into all underlying handlers. It joins the
// console dispatch handler with the per-run log file handler.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

var (
	mu            sync.Mutex
	defaultLogger atomic.Pointer[slog.Logger]
	quietMode     atomic.Bool // Use an atomic bool for safe concurrent reads.
	levelVar      = new(slog.LevelVar)
	runLogFile    *os.File
	escalator     Escalator = newSystemEscalator()
)

// Escalator is the always-on failure channel. It receives failure notices
// regardless of quiet mode and log level, so that a run with suppressed
// logging still leaves a system-level trace for later audit.
type Escalator interface {
	Emit(msg string) error
}

func init() {
	rebuildLogger()
}

// rebuildLogger reconstructs the default logger from the current console and
// run-log state. Callers must hold mu (init is single-threaded).
func rebuildLogger() {
	console := &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}),
		stderrHandler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}

	if runLogFile == nil {
		defaultLogger.Store(slog.New(console))
		return
	}

	fileHandler := slog.NewTextHandler(runLogFile, &slog.HandlerOptions{Level: levelVar})
	defaultLogger.Store(slog.New(&teeHandler{handlers: []slog.Handler{console, fileHandler}}))
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})))
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, console output below WARNING is suppressed; the run log
// file and the escalation channel are unaffected.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

// SetLevel sets the minimum level for the console and the run log file.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// LevelFromString maps a -log-level flag value to a slog.Level.
// Unknown values fall back to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenRunLog opens the per-run append-only log file and mirrors all records
// into it. O_SYNC forces immediate writes so an interrupted run still leaves
// a complete trail.
func OpenRunLog(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if runLogFile != nil {
		runLogFile.Close()
		runLogFile = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open run log %s: %w", path, err)
	}
	runLogFile = f
	rebuildLogger()
	return nil
}

// CloseRunLog detaches and closes the run log file.
func CloseRunLog() error {
	mu.Lock()
	defer mu.Unlock()

	if runLogFile == nil {
		return nil
	}
	err := runLogFile.Close()
	runLogFile = nil
	rebuildLogger()
	return err
}

// RunLogPath returns the path of the currently open run log ("" if none).
func RunLogPath() string {
	mu.Lock()
	defer mu.Unlock()
	if runLogFile == nil {
		return ""
	}
	return runLogFile.Name()
}

// SetEscalator replaces the escalation sink, primarily for testing.
// Passing nil restores the system default.
func SetEscalator(e Escalator) {
	mu.Lock()
	defer mu.Unlock()
	if e == nil {
		escalator = newSystemEscalator()
		return
	}
	escalator = e
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Load().Debug(msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Load().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}

// Escalate reports a failure to the system-wide channel and logs it at ERROR
// level. The escalation happens regardless of quiet mode or log level.
func Escalate(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)

	line := msg
	for i := 0; i+1 < len(args); i += 2 {
		line += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}

	mu.Lock()
	e := escalator
	mu.Unlock()
	if err := e.Emit(line); err != nil {
		defaultLogger.Load().Warn("failed to escalate failure to system log", "error", err)
	}
}
