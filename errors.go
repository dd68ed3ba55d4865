package fdloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("fdloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("fdloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("fdloop: cannot call Run() from within the loop")

	// ErrFdClosed is returned by operations on an Fd whose close has been
	// requested or completed.
	ErrFdClosed = errors.New("fdloop: file descriptor is closed")

	// ErrDuplicateFd is returned by FdTable.Add when an entry with the same
	// raw descriptor already exists. This indicates a lifecycle bug in the
	// caller: identities must be freed before reuse.
	ErrDuplicateFd = errors.New("fdloop: descriptor already registered")

	// ErrTableFull is returned by FdTable.Add when the table's capacity
	// bound would be exceeded.
	ErrTableFull = errors.New("fdloop: descriptor table is full")

	// ErrWatchUnsupported is returned by the repeating watch variants when
	// the descriptor's kind cannot be polled for readiness.
	ErrWatchUnsupported = errors.New("fdloop: descriptor kind does not support readiness watching")
)

// ProgrammingError reports a caller lifecycle bug: an invariant of this
// package was violated in a way that has no recoverable interpretation
// (double-subscribing a watch direction, observing an interrupt outcome on a
// non-interruptible path, using a descriptor verified closed). These are
// raised as panics, never returned.
type ProgrammingError struct {
	Op     string
	Detail string
}

// Error implements the error interface.
func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("fdloop: programming error in %s: %s", e.Op, e.Detail)
}

// Is implements errors.Is support for ProgrammingError.
func (e *ProgrammingError) Is(target error) bool {
	_, ok := target.(*ProgrammingError)
	return ok
}

// fatalf panics with a ProgrammingError. Used for invariant violations that
// indicate caller bugs, per the package's error taxonomy.
func fatalf(op, format string, args ...any) {
	panic(&ProgrammingError{Op: op, Detail: fmt.Sprintf(format, args...)})
}
