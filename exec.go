package fdloop

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// ExecContext is the ambient error and logging scope under which a job runs.
// It is captured when asynchronous work is scheduled (a watch subscription, a
// close request) and restored around the callback when it later fires, so
// errors surface against the operation that caused them rather than whatever
// the loop happened to be doing.
//
// The zero-value-adjacent nil ExecContext is valid everywhere one is
// accepted; the loop substitutes its root context.
type ExecContext struct {
	// Name labels the context in logs.
	Name string

	// Logger receives structured log events for work run under this
	// context. Nil is valid (logiface loggers are nil-safe) and disables
	// logging.
	Logger *logiface.Logger[logiface.Event]

	// OnError receives errors (including recovered panics) from jobs run
	// under this context. When nil, errors are logged and otherwise
	// dropped.
	OnError func(error)
}

// reportError delivers err to the context's error handler, falling back to
// the context's logger.
func (ec *ExecContext) reportError(err error) {
	if ec == nil {
		return
	}
	if ec.OnError != nil {
		ec.OnError(err)
		return
	}
	ec.Logger.Err().
		Err(err).
		Str("context", ec.Name).
		Log("job failed")
}

// CurrentExecContext returns the execution context the loop is currently
// running under. Outside any job it returns the loop's root context. Must be
// called from the loop goroutine to be meaningful; from other goroutines it
// returns the root context.
func (l *Loop) CurrentExecContext() *ExecContext {
	if l.isLoopThread() {
		if ec := l.current; ec != nil {
			return ec
		}
	}
	return l.rootCtx
}

// RunUnder runs fn synchronously with ec installed as the current execution
// context, restoring the previous context afterwards. Panics from fn are
// recovered and reported through ec.
//
// Must be called on the loop goroutine; use [Loop.SubmitUnder] from
// elsewhere.
func (l *Loop) RunUnder(ec *ExecContext, fn func()) {
	if ec == nil {
		ec = l.rootCtx
	}
	prev := l.current
	l.current = ec
	defer func() {
		l.current = prev
		if r := recover(); r != nil {
			ec.reportError(&PanicError{Value: r})
		}
	}()
	fn()
}

// PanicError wraps a panic value recovered from a job.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("fdloop: job panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] through the cause chain.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
