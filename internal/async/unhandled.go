package async

import (
	"log/slog"
	"sync"
)

var (
	unhandledMu   sync.RWMutex
	unhandledHook = func(err error) {
		slog.Default().Error("async: unhandled promise rejection", slog.Any("error", err))
	}
)

// SetUnhandledRejectionHandler installs the hook invoked when a rejected
// promise is garbage-collected without its rejection ever being observed.
// Passing nil restores the default, which logs through slog.
func SetUnhandledRejectionHandler(fn func(err error)) {
	unhandledMu.Lock()
	defer unhandledMu.Unlock()
	if fn == nil {
		fn = func(err error) {
			slog.Default().Error("async: unhandled promise rejection", slog.Any("error", err))
		}
	}
	unhandledHook = fn
}

func reportUnhandled(err error) {
	unhandledMu.RLock()
	hook := unhandledHook
	unhandledMu.RUnlock()
	hook(err)
}
