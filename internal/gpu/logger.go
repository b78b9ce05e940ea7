//go:build !nogpu

package gpu

import (
	"log/slog"
	"sync/atomic"
)

// acceleratorLog holds the logger used for "gpu-project:" messages. It
// starts discarding and is replaced when splat registers the accelerator
// or when splat.SetLogger runs afterwards.
var acceleratorLog atomic.Pointer[slog.Logger]

func init() {
	setLogger(nil)
}

func slogger() *slog.Logger { return acceleratorLog.Load() }

// setLogger installs l tagged with the accelerator name, so kernel dispatch
// and init failures can be told apart from splat's CPU path records.
// A nil l discards everything.
func setLogger(l *slog.Logger) {
	if l == nil {
		acceleratorLog.Store(slog.New(slog.DiscardHandler))
		return
	}
	acceleratorLog.Store(l.With("accelerator", "wgpu-project"))
}
