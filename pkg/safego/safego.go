package safego

import (
	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "cleanup-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name, nil)
		fn()
	}()
}

// Recover is the synchronous half of Go's panic handling: call it via
// `defer safego.Recover(logger, name, onPanic)` from inside a goroutine that
// some other mechanism (an errgroup, a worker pool) already owns, so the
// panic is logged and contained without a second nested goroutine. onPanic,
// if non-nil, receives the recovered value so the caller can still produce
// a result in place of the panicked call instead of losing it silently.
func Recover(logger *zap.Logger, name string, onPanic func(r any)) {
	if r := recover(); r != nil {
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		if onPanic != nil {
			onPanic(r)
		}
	}
}
