package async

import "runtime/debug"

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on a new goroutine with panic recovery. A panicking worker or
// broadcaster goroutine must never take down the whole server; the panic is
// logged under name and the goroutine exits.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
