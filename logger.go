package splat

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. Its Enabled is false at all levels, so
// the per-batch Debug calls in Forward and Backward never build their
// attributes unless a logger is installed.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger installs l for "splat:" records and hands it to the registered
// accelerator when that accelerator implements SetLogger(*slog.Logger).
// An accelerator registered later receives the logger current at
// registration. Passing nil silences both again.
//
// Records emitted:
//   - [slog.LevelDebug]: "splat: forward" and "splat: backward" with batch
//     size and cull tallies; declined batches; GPU dispatch
//     sizes from the accelerator
//   - [slog.LevelInfo]: accelerator registration and device selection
//   - [slog.LevelWarn]: accelerator errors that send a batch to the CPU
//     path, GPU init failures
//
// For example, splatproj -v installs:
//
//	splat.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	if a := RegisteredAccelerator(); a != nil {
		propagateLogger(a, l)
	}
}

// Logger returns the logger installed by SetLogger. The gpu package logs
// its fallback warning through it.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger is a no-op for accelerators without SetLogger.
func propagateLogger(a Accelerator, l *slog.Logger) {
	if ls, ok := a.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
