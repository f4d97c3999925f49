package gfxbridge

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gfxbridge and all its internal packages.
// By default, gfxbridge produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gfxbridge:
//   - [slog.LevelDebug]: recording and translation detail (barriers, binds, heaps)
//   - [slog.LevelInfo]: device lifecycle (device opened, closed)
//   - [slog.LevelWarn]: non-fatal issues and device loss
//
// Example:
//
//	gfxbridge.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	alloc.SetLogger(l)
	command.SetLogger(l)
	signal.SetLogger(l)
}

// Logger returns the current logger used by gfxbridge.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
