package program

import (
	"errors"
	"fmt"
)

var (
	// ErrFileUnreadable is returned when the program path does not exist, is
	// not a regular file, or cannot be opened for reading.
	ErrFileUnreadable = errors.New("file unreadable")

	// ErrTargetFunctionMissing is returned when the requested function is not
	// defined by the program, or is not callable.
	ErrTargetFunctionMissing = errors.New("target function missing")

	// ErrBusy is returned by Namespace.TryDo while another goroutine holds the
	// namespace, typically the foreground invocation.
	ErrBusy = errors.New("program is running")
)

// LoadError reports a failure to produce a usable Program. It always occurs
// before any network activity.
type LoadError struct {
	Path     string
	Function string
	Err      error
}

func (e *LoadError) Error() string {
	switch {
	case errors.Is(e.Err, ErrFileUnreadable):
		return fmt.Sprintf("Unable to read file %s", e.Path)
	case errors.Is(e.Err, ErrTargetFunctionMissing):
		return fmt.Sprintf("Program %s does not have function named '%s'", e.Path, e.Function)
	default:
		return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// InvocationError is any error raised while running the target function.
type InvocationError struct {
	Function string
	// Stack is the full JavaScript stack trace, or the Go panic value.
	Stack string
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s() failed: %v", e.Function, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
