package fdloop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FdState represents the lifecycle state of an [Fd].
//
// Transitions are strictly monotonic: Open → CloseRequested → Closed. No
// other order is possible, and Closed is terminal.
type FdState uint8

const (
	// FdOpen indicates the descriptor is usable.
	FdOpen FdState = iota
	// FdCloseRequested indicates a close has been requested; the OS close
	// is deferred until all in-flight syscalls release the descriptor.
	FdCloseRequested
	// FdClosed indicates the descriptor has been fully released.
	FdClosed
)

// String returns a human-readable representation of the state.
func (s FdState) String() string {
	switch s {
	case FdOpen:
		return "Open"
	case FdCloseRequested:
		return "CloseRequested"
	case FdClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Fd is the owning handle for one raw OS descriptor plus its async metadata.
// Exactly one Fd owns a given raw descriptor value for the Fd's lifetime; no
// other component may invoke close or shutdown on it.
//
// An Fd is created via [Loop.WrapFd] or [Loop.WrapFdWithKind] and carries an
// explicit reference to its owning loop; there is no package-level runtime
// singleton.
type Fd struct {
	loop *Loop
	raw  int

	mu   sync.Mutex
	kind Kind
	info string

	state          FdState
	closeRequested *Ivar[struct{}]
	closeFinished  *Ivar[struct{}]
	closeCtx       *ExecContext
	closeAction    func()

	// activeSyscalls counts in-flight acquire/release brackets. The OS
	// close is deferred while nonzero.
	activeSyscalls int

	supportsNonblock bool
	haveSetNonblock  bool

	// watches holds the at-most-one outstanding watch per direction,
	// indexed by Direction. registeredEvents mirrors the poller's view.
	watches          [2]*watch
	registeredEvents IOEvents
}

// newFd constructs an Fd in the Open state. The caller is responsible for
// table registration.
func newFd(l *Loop, raw int, kind Kind, info string) *Fd {
	return &Fd{
		loop:             l,
		raw:              raw,
		kind:             kind,
		info:             info,
		state:            FdOpen,
		closeRequested:   NewIvar[struct{}](),
		closeFinished:    NewIvar[struct{}](),
		supportsNonblock: kind.Pollable(),
	}
}

// String returns a diagnostic representation.
func (fd *Fd) String() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fmt.Sprintf("fd %d (%s, %s, %q)", fd.raw, fd.kind, fd.state, fd.info)
}

// RawFd returns the raw descriptor value for registration with external
// mechanisms. It fails once the descriptor has been fully closed; the value
// must not be retained past the close-finished signal.
func (fd *Fd) RawFd() (int, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.state == FdClosed {
		return -1, ErrFdClosed
	}
	return fd.raw, nil
}

// Kind returns the descriptor's current classification.
func (fd *Fd) Kind() Kind {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.kind
}

// ReplaceKind replaces the descriptor's classification. This is only
// meaningful when a raw descriptor has been repurposed (dup2-style reuse);
// classification is never re-inferred implicitly. Nonblocking support can
// only be revoked by the replacement, never regranted.
func (fd *Fd) ReplaceKind(kind Kind) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.kind = kind
	if !kind.Pollable() {
		fd.supportsNonblock = false
		fd.haveSetNonblock = false
	}
}

// Info returns the descriptor's diagnostic label.
func (fd *Fd) Info() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.info
}

// SetInfo replaces the descriptor's diagnostic label.
func (fd *Fd) SetInfo(info string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.info = info
}

// State returns the descriptor's lifecycle state.
func (fd *Fd) State() FdState {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.state
}

// IsOpen reports whether the descriptor is still usable (no close
// requested).
func (fd *Fd) IsOpen() bool {
	return fd.State() == FdOpen
}

// SupportsNonblock reports whether the descriptor can be put into
// nonblocking mode.
func (fd *Fd) SupportsNonblock() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.supportsNonblock
}

// SetNonblockIfPossible puts the descriptor into nonblocking mode if it
// supports it, reporting whether the descriptor is now nonblocking. A
// failure to set the mode permanently revokes nonblocking support.
func (fd *Fd) SetNonblockIfPossible() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.state != FdOpen || !fd.supportsNonblock {
		return false
	}
	if fd.haveSetNonblock {
		return true
	}
	if err := setNonblockRawFd(fd.raw, true); err != nil {
		// Revoked, never regranted.
		fd.supportsNonblock = false
		fd.haveSetNonblock = false
		return false
	}
	fd.haveSetNonblock = true
	return true
}

// ClearNonblockSupport marks the descriptor as not supporting nonblocking
// mode. Both flags are cleared together; support is never re-enabled.
func (fd *Fd) ClearNonblockSupport() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.supportsNonblock = false
	fd.haveSetNonblock = false
}

// CloseStarted returns an Ivar resolved as soon as a close is requested
// (the Open → CloseRequested edge), independent of completion. It is
// already resolved if the descriptor is not Open.
func (fd *Fd) CloseStarted() *Ivar[struct{}] {
	return fd.closeRequested
}

// CloseFinished returns the Ivar resolved when the descriptor has actually
// been released.
func (fd *Fd) CloseFinished() *Ivar[struct{}] {
	return fd.closeFinished
}

// Close requests that the descriptor be closed and returns an Ivar resolved
// once the OS descriptor has actually been released.
//
// Close is idempotent: once a close has been requested, further calls return
// the same Ivar without side effects. Pending readiness watches resolve with
// [WatchClosed] synchronously, before Close returns. The OS close syscall is
// deferred until every in-flight syscall bracket releases the descriptor,
// and runs exactly once. Active sockets receive a best-effort bidirectional
// shutdown first; shutdown failures are swallowed and never prevent the
// close.
func (fd *Fd) Close() *Ivar[struct{}] {
	return fd.startClose(true)
}

// CloseKeepDescriptor runs the close protocol without the OS close syscall:
// state still drains to Closed and the close-finished signal still fires,
// but ownership of the raw descriptor value returns to the caller. Used when
// the descriptor was borrowed (e.g. wrapped from a caller-owned file).
func (fd *Fd) CloseKeepDescriptor() *Ivar[struct{}] {
	return fd.startClose(false)
}

func (fd *Fd) startClose(closeDescriptor bool) *Ivar[struct{}] {
	fd.mu.Lock()
	if fd.state != FdOpen {
		fin := fd.closeFinished
		fd.mu.Unlock()
		return fin
	}

	ec := fd.loop.CurrentExecContext()
	raw, kind := fd.raw, fd.kind
	fd.state = FdCloseRequested
	fd.closeCtx = ec
	fd.closeAction = func() {
		if !closeDescriptor {
			return
		}
		var closeErr error
		func() {
			// The close syscall runs on every exit path, including a
			// shutdown failure or panic.
			defer func() {
				closeErr = closeRawFd(raw)
			}()
			if kind == KindSocketActive {
				// Best-effort peer notification; errors swallowed.
				_ = shutdownRawFd(raw, unix.SHUT_RDWR)
			}
		}()
		if closeErr != nil {
			ec.Logger.Warning().
				Err(closeErr).
				Int("fd", raw).
				Log("close syscall failed")
		}
	}
	detached := fd.detachAllWatchesLocked()
	fd.mu.Unlock()

	fd.closeRequested.Fill(struct{}{})
	for _, w := range detached {
		fd.settleWatch(w, WatchClosed)
	}
	fd.syncPoller()

	fd.maybeStartClosing()
	return fd.closeFinished
}

// maybeStartClosing runs the deferred close action if a close is pending and
// no syscalls are in flight. Invoked at close-request time and whenever the
// active-syscall count may have drained to zero.
func (fd *Fd) maybeStartClosing() {
	fd.mu.Lock()
	if fd.state != FdCloseRequested || fd.activeSyscalls != 0 || fd.closeAction == nil {
		fd.mu.Unlock()
		return
	}
	action := fd.closeAction
	fd.closeAction = nil
	ec := fd.closeCtx
	fd.mu.Unlock()

	// The close syscall may block (e.g. flushing socket buffers), so it is
	// dispatched off the loop; the state transition is handed back.
	fd.loop.inWorker(func() {
		action()
		if err := fd.loop.SubmitUnder(ec, fd.finishClose); err != nil {
			// Loop already terminated; complete directly so closeFinished
			// never hangs.
			fd.finishClose()
		}
	})
}

// finishClose transitions to Closed, removes the table entry, and fires the
// close-finished signal.
func (fd *Fd) finishClose() {
	fd.mu.Lock()
	if fd.state == FdClosed {
		fd.mu.Unlock()
		return
	}
	fd.state = FdClosed
	fd.mu.Unlock()

	fd.loop.table.Remove(fd)
	fd.closeFinished.Fill(struct{}{})
}

// acquire enters the syscall bracket: it fails with [ErrFdClosed] unless the
// descriptor is Open, and otherwise guarantees the raw descriptor stays
// valid until the matching release.
func (fd *Fd) acquire() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.state != FdOpen {
		return ErrFdClosed
	}
	fd.activeSyscalls++
	return nil
}

// release leaves the syscall bracket. Draining the count to zero with a
// close pending triggers the deferred close action.
func (fd *Fd) release() {
	fd.mu.Lock()
	if fd.activeSyscalls <= 0 {
		fd.mu.Unlock()
		fatalf("Fd.release", "release without matching acquire on fd %d", fd.raw)
	}
	fd.activeSyscalls--
	drained := fd.activeSyscalls == 0 && fd.state == FdCloseRequested
	fd.mu.Unlock()
	if drained {
		fd.maybeStartClosing()
	}
}

// Syscall runs fn inline with the raw descriptor held open by the syscall
// bracket. It returns [ErrFdClosed] without invoking fn if a close has been
// requested. Errors from fn are returned uninterpreted; this layer does not
// retry.
//
// fn must not retain the raw descriptor value past its return.
func (fd *Fd) Syscall(fn func(raw int) (int, error)) (int, error) {
	if err := fd.acquire(); err != nil {
		return 0, err
	}
	defer fd.release()
	return fn(fd.raw)
}

// SyscallResult is the tagged outcome of a worker-dispatched syscall.
type SyscallResult struct {
	N   int
	Err error
}

// SyscallInThread dispatches fn to a worker goroutine with the syscall
// bracket held across the whole dispatch: a close requested mid-dispatch
// waits for the worker to finish before the OS close runs. The result is
// delivered on the loop goroutine.
//
// If a close has already been requested the returned Ivar is pre-filled
// with [ErrFdClosed].
func (fd *Fd) SyscallInThread(fn func(raw int) (int, error)) *Ivar[SyscallResult] {
	if err := fd.acquire(); err != nil {
		return FilledIvar(SyscallResult{Err: err})
	}
	result := NewIvar[SyscallResult]()
	ec := fd.loop.CurrentExecContext()
	raw := fd.raw
	fd.loop.inWorker(func() {
		n, err := fn(raw)
		finish := func() {
			fd.release()
			result.Fill(SyscallResult{N: n, Err: err})
		}
		if submitErr := fd.loop.SubmitUnder(ec, finish); submitErr != nil {
			finish()
		}
	})
	return result
}

// Read reads from the descriptor inline under the syscall bracket.
func (fd *Fd) Read(buf []byte) (int, error) {
	return fd.Syscall(func(raw int) (int, error) {
		return readRawFd(raw, buf)
	})
}

// Write writes to the descriptor inline under the syscall bracket.
func (fd *Fd) Write(buf []byte) (int, error) {
	return fd.Syscall(func(raw int) (int, error) {
		return writeRawFd(raw, buf)
	})
}
