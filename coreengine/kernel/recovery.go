package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by Guard and GuardValue when the guarded function panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// Guard runs fn, converting a panic into a *PanicError that is logged.
func Guard(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, operation, r)
		}
	}()
	return fn()
}

// GuardValue runs fn and returns its value. If fn panics, fallback is
// returned together with a *PanicError.
func GuardValue[T any](logger Logger, operation string, fallback T, fn func() T) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = fallback
			err = recovered(logger, operation, r)
		}
	}()
	return fn(), nil
}

func recovered(logger Logger, operation string, value any) *PanicError {
	perr := &PanicError{
		Operation: operation,
		Value:     value,
		Stack:     string(debug.Stack()),
	}
	if logger != nil {
		logger.Error("panic_recovered",
			"operation", operation,
			"panic", value,
			"stack", perr.Stack,
		)
	}
	return perr
}
