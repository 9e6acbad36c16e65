// Package recovery provides panic recovery utilities for node goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "drone-11")
//	    d.Run()
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a new goroutine tracked by wg. A panic in fn is logged and
// reported to onPanic (if non-nil) instead of taking the process down.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func(), onPanic func(recovered any)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithCallback(logger, name, onPanic)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
