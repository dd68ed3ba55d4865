package fdloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Direction selects which readiness a watch subscribes to.
type Direction uint8

const (
	// Read watches for read readiness.
	Read Direction = iota
	// Write watches for write readiness.
	Write
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// events maps the direction onto the poller's event mask.
func (d Direction) events() IOEvents {
	if d == Write {
		return EventWrite
	}
	return EventRead
}

// WatchOutcome is the terminal result of a readiness watch.
type WatchOutcome uint8

const (
	// WatchReady means the descriptor became ready in the watched
	// direction. One-shot watches retire with this outcome; repeating
	// watches never finish with it.
	WatchReady WatchOutcome = iota
	// WatchClosed means a close was requested on the descriptor.
	WatchClosed
	// WatchBadFd means the OS readiness mechanism rejected the raw
	// descriptor as invalid.
	WatchBadFd
	// WatchInterrupted means the watch's interrupt signal fired before the
	// descriptor became ready. Only interruptible watches may observe it.
	WatchInterrupted
)

// String returns a human-readable representation of the outcome.
func (o WatchOutcome) String() string {
	switch o {
	case WatchReady:
		return "Ready"
	case WatchClosed:
		return "Closed"
	case WatchBadFd:
		return "BadFd"
	case WatchInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// StartWatchResult is the immediate result of registering a watch.
type StartWatchResult uint8

const (
	// Watching means the subscription was registered (or retired
	// immediately via its result Ivar, e.g. with WatchBadFd).
	Watching StartWatchResult = iota
	// AlreadyWatching means a watch is already active in that direction,
	// which is a caller lifecycle bug.
	AlreadyWatching
	// AlreadyClosed means a close has been requested on the descriptor.
	AlreadyClosed
	// WatchUnsupported means the descriptor's kind cannot be polled; the
	// caller must treat the descriptor as ready now.
	WatchUnsupported
)

// String returns a human-readable representation of the result.
func (r StartWatchResult) String() string {
	switch r {
	case Watching:
		return "Watching"
	case AlreadyWatching:
		return "AlreadyWatching"
	case AlreadyClosed:
		return "AlreadyClosed"
	case WatchUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// watch is a transient readiness subscription: created by the watch call,
// consumed by the poller's dispatch, destroyed on retirement. For one-shot
// watches result fires exactly once with the outcome; for repeating watches
// result is the finishing signal (never WatchReady) and job runs once per
// readiness notification until the watch is stopped.
type watch struct {
	dir           Direction
	repeating     bool
	interruptible bool
	job           func()
	result        *Ivar[WatchOutcome]
	ec            *ExecContext
}

// startWatching registers a watch for one direction. At most one watch may
// be outstanding per (descriptor, direction); a second is reported as
// AlreadyWatching rather than queued or replaced.
func (fd *Fd) startWatching(dir Direction, w *watch) StartWatchResult {
	fd.mu.Lock()
	if fd.state != FdOpen {
		fd.mu.Unlock()
		return AlreadyClosed
	}
	if !fd.kind.Pollable() {
		fd.mu.Unlock()
		return WatchUnsupported
	}
	if fd.watches[dir] != nil {
		fd.mu.Unlock()
		return AlreadyWatching
	}
	fd.watches[dir] = w
	err := fd.syncPollerLocked()
	if err != nil {
		fd.watches[dir] = nil
	}
	fd.mu.Unlock()

	switch {
	case err == nil:
		return Watching
	case errors.Is(err, unix.EPERM):
		// The poll mechanism cannot watch this descriptor (e.g. a regular
		// file that slipped past kind classification).
		return WatchUnsupported
	default:
		// EBADF and anything else registration-fatal retires the watch
		// through its result.
		fd.settleWatch(w, WatchBadFd)
		return Watching
	}
}

// cancelWatch retires w with the given outcome if it is still the active
// watch for its direction; a watch that already retired is left alone (the
// cancellation race is discarded, not double-reported).
func (fd *Fd) cancelWatch(w *watch, outcome WatchOutcome) {
	fd.mu.Lock()
	if fd.watches[w.dir] != w {
		fd.mu.Unlock()
		return
	}
	fd.watches[w.dir] = nil
	_ = fd.syncPollerLocked()
	fd.mu.Unlock()
	fd.settleWatch(w, outcome)
}

// detachAllWatchesLocked clears both watch slots and returns the detached
// watches. Caller holds fd.mu and is responsible for settling them and
// syncing the poller afterwards.
func (fd *Fd) detachAllWatchesLocked() []*watch {
	var detached []*watch
	for dir, w := range fd.watches {
		if w != nil {
			detached = append(detached, w)
			fd.watches[dir] = nil
		}
	}
	return detached
}

// settleWatch fires the watch's result. An interrupt outcome reaching a
// non-interruptible watch is an invariant violation.
func (fd *Fd) settleWatch(w *watch, outcome WatchOutcome) {
	if outcome == WatchInterrupted && !w.interruptible {
		fatalf("Fd.settleWatch", "interrupted outcome on non-interruptible %s watch for fd %d", w.dir, fd.raw)
	}
	w.result.Fill(outcome)
}

// syncPoller reconciles the poller's registration for this descriptor with
// the active watch slots.
func (fd *Fd) syncPoller() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	_ = fd.syncPollerLocked()
}

// syncPollerLocked registers, modifies, or unregisters the descriptor with
// the platform poller so that the event mask matches the union of active
// watch directions. Caller holds fd.mu.
func (fd *Fd) syncPollerLocked() error {
	var desired IOEvents
	if fd.watches[Read] != nil {
		desired |= EventRead
	}
	if fd.watches[Write] != nil {
		desired |= EventWrite
	}
	if desired == fd.registeredEvents {
		return nil
	}

	var err error
	switch {
	case fd.registeredEvents == 0:
		err = fd.loop.poller.RegisterFD(fd.raw, desired, fd.onIOEvents)
	case desired == 0:
		err = fd.loop.poller.UnregisterFD(fd.raw)
	default:
		err = fd.loop.poller.ModifyFD(fd.raw, desired)
	}
	if err == nil {
		fd.registeredEvents = desired
	}
	return err
}

// onIOEvents is the poller's delivery callback, invoked on the loop
// goroutine. Error and hangup conditions are delivered to both directions as
// readiness so the subsequent syscall surfaces the real error (EOF, EPIPE,
// or the socket error).
func (fd *Fd) onIOEvents(ev IOEvents) {
	errorish := ev&(EventError|EventHangup) != 0
	for _, dir := range [...]Direction{Read, Write} {
		if ev&dir.events() == 0 && !errorish {
			continue
		}

		fd.mu.Lock()
		w := fd.watches[dir]
		if w == nil {
			fd.mu.Unlock()
			continue
		}
		if w.repeating {
			job, ec := w.job, w.ec
			fd.mu.Unlock()
			fd.loop.RunUnder(ec, job)
			continue
		}
		fd.watches[dir] = nil
		_ = fd.syncPollerLocked()
		fd.mu.Unlock()
		fd.settleWatch(w, WatchReady)
	}
}

// ReadyTo returns an Ivar resolved once when the descriptor becomes ready in
// the given direction, or with [WatchClosed] if a close has been (or is
// later) requested, or with [WatchBadFd] if the OS mechanism rejects the
// descriptor.
//
// If the descriptor's kind cannot be watched, the result is immediately
// [WatchReady]: unwatchable descriptors are treated as always ready.
//
// A second ReadyTo in the same direction before the first resolves is a
// caller bug and panics.
func (fd *Fd) ReadyTo(dir Direction) *Ivar[WatchOutcome] {
	return fd.readyTo(dir, nil)
}

// InterruptibleReadyTo is [Fd.ReadyTo] racing against interrupt: if
// interrupt fires while the watch is still pending, the watch is cancelled
// and the result is [WatchInterrupted]. If the real outcome arrives first
// the interrupt is discarded with no visible effect.
func (fd *Fd) InterruptibleReadyTo(dir Direction, interrupt *Ivar[struct{}]) *Ivar[WatchOutcome] {
	if interrupt == nil {
		fatalf("Fd.InterruptibleReadyTo", "nil interrupt for fd %d", fd.raw)
	}
	return fd.readyTo(dir, interrupt)
}

func (fd *Fd) readyTo(dir Direction, interrupt *Ivar[struct{}]) *Ivar[WatchOutcome] {
	result := NewIvar[WatchOutcome]()
	w := &watch{
		dir:           dir,
		interruptible: interrupt != nil,
		result:        result,
		ec:            fd.loop.CurrentExecContext(),
	}

	switch fd.startWatching(dir, w) {
	case Watching:
	case AlreadyClosed:
		result.Fill(WatchClosed)
	case WatchUnsupported:
		result.Fill(WatchReady)
	case AlreadyWatching:
		fatalf("Fd.ReadyTo", "%s watch already active on fd %d", dir, fd.raw)
	}

	if interrupt != nil && !result.IsFull() {
		interrupt.Upon(func(struct{}) {
			fd.cancelWatch(w, WatchInterrupted)
		})
	}
	return result
}

// EveryReadyTo invokes job on the loop goroutine each time the descriptor
// becomes ready in the given direction, until the watch is stopped. The
// returned finishing Ivar resolves with exactly one of [WatchClosed] or
// [WatchBadFd] (never [WatchReady]); see [Fd.InterruptibleEveryReadyTo] for
// the variant that can also finish with [WatchInterrupted].
//
// Returns [ErrWatchUnsupported] if the descriptor's kind cannot be polled.
// A second watch in the same direction panics.
func (fd *Fd) EveryReadyTo(dir Direction, job func()) (*Ivar[WatchOutcome], error) {
	return fd.everyReadyTo(dir, job, nil)
}

// InterruptibleEveryReadyTo is [Fd.EveryReadyTo] with an interrupt signal:
// when interrupt fires the watch stops and the finishing Ivar resolves with
// [WatchInterrupted]. Cancellation lands between firings, never mid-job.
func (fd *Fd) InterruptibleEveryReadyTo(dir Direction, job func(), interrupt *Ivar[struct{}]) (*Ivar[WatchOutcome], error) {
	if interrupt == nil {
		fatalf("Fd.InterruptibleEveryReadyTo", "nil interrupt for fd %d", fd.raw)
	}
	return fd.everyReadyTo(dir, job, interrupt)
}

func (fd *Fd) everyReadyTo(dir Direction, job func(), interrupt *Ivar[struct{}]) (*Ivar[WatchOutcome], error) {
	if job == nil {
		fatalf("Fd.EveryReadyTo", "nil job for fd %d", fd.raw)
	}
	finished := NewIvar[WatchOutcome]()
	w := &watch{
		dir:           dir,
		repeating:     true,
		interruptible: interrupt != nil,
		job:           job,
		result:        finished,
		ec:            fd.loop.CurrentExecContext(),
	}

	switch fd.startWatching(dir, w) {
	case Watching:
	case AlreadyClosed:
		finished.Fill(WatchClosed)
	case WatchUnsupported:
		return nil, ErrWatchUnsupported
	case AlreadyWatching:
		fatalf("Fd.EveryReadyTo", "%s watch already active on fd %d", dir, fd.raw)
	}

	if interrupt != nil && !finished.IsFull() {
		interrupt.Upon(func(struct{}) {
			fd.cancelWatch(w, WatchInterrupted)
		})
	}
	return finished, nil
}
