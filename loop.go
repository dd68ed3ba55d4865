//go:build linux || darwin

package fdloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// job is one unit of work queued to the loop goroutine, carrying the
// execution context it was scheduled under.
type job struct {
	fn func()
	ec *ExecContext
}

// Loop is the event loop that owns descriptor lifecycle, readiness polling,
// and job execution. All callbacks (watch jobs, close completions, syscall
// result delivery) run on the single loop goroutine; worker goroutines exist
// only to keep potentially-blocking syscalls off it.
type Loop struct {
	state  loopStateMachine
	poller fastPoller
	table  *FdTable

	// jobs is the FIFO of pending loop jobs. The ring buffer is not
	// thread-safe, so all access goes through jobsMu.
	jobsMu sync.Mutex
	jobs   *queue.Queue

	inflight atomic.Int64

	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte
	wakePending   atomic.Int32

	loopDone chan struct{}
	stopOnce sync.Once

	// workers tracks goroutines dispatched via inWorker (deferred close
	// actions, SyscallInThread, WrapFd classification).
	workers sync.WaitGroup

	logger  *logiface.Logger[logiface.Event]
	rootCtx *ExecContext

	// current is the execution context of the job currently running; only
	// touched on the loop goroutine.
	current *ExecContext

	loopGoroutineID atomic.Uint64
}

// New creates an event loop. The loop does not process anything until
// [Loop.Run] is called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg := loopConfig{tableCapacity: defaultFdTableCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	wakeFd, wakeWriteFd, err := createWakeFd(0, wakeFdCloexec|wakeFdNonblock)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		table: newFdTable(cfg.tableCapacity),
		jobs:  queue.New(),

		wakePipe:      wakeFd,
		wakePipeWrite: wakeWriteFd,

		// Initialized here to avoid a data race with shutdownImpl.
		loopDone: make(chan struct{}),

		logger: cfg.logger,
	}
	l.rootCtx = &ExecContext{Name: "root", Logger: cfg.logger}

	if err := l.poller.Init(); err != nil {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
		return nil, err
	}

	if err := l.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		l.drainWakeUpPipe()
	}); err != nil {
		_ = l.poller.Close()
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
		return nil, err
	}

	return l, nil
}

// Table returns the loop's descriptor registry.
func (l *Loop) Table() *FdTable {
	return l.table
}

// State returns the loop's lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Run runs the event loop and blocks until fully stopped (via [Loop.Shutdown],
// [Loop.Close], or ctx cancellation). To run in a separate goroutine, use
// `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	// Closed when run exits, to signal completion to Shutdown waiters.
	defer close(l.loopDone)

	return l.run(ctx)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Watcher goroutine wakes the loop on context cancellation.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			for {
				current := l.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			l.terminate()
			return ctx.Err()
		default:
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.terminate()
			return nil
		}

		l.tick()
	}
}

// terminate performs the final shutdown sequence on the loop goroutine.
func (l *Loop) terminate() {
	// Wait briefly for in-flight workers so their completion submissions
	// land in the queue before the final drain.
	workersDone := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(100 * time.Millisecond):
	}

	// Terminated is stored FIRST so new submissions are rejected; any
	// submission that checked state before this has already pushed its job
	// and is caught by the drain below.
	l.state.Store(StateTerminated)

	for {
		if l.drainJobs() == 0 && l.inflight.Load() == 0 {
			break
		}
	}

	l.closeFDs()
}

// Shutdown gracefully shuts down the event loop: queued jobs are drained
// before termination. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.Load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.Store(StateTerminated)
				l.closeFDs()
				return nil
			}

			if currentState == StateSleeping {
				_ = l.submitWakeup()
			}
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately terminates the event loop without waiting for graceful
// shutdown.
func (l *Loop) Close() error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.Store(StateTerminated)
				l.closeFDs()
				return nil
			}
			if currentState == StateSleeping {
				_ = l.submitWakeup()
			}
			return nil
		}
	}
}

// tick runs one iteration: drain pending jobs, then poll for I/O.
func (l *Loop) tick() {
	if l.drainJobs() > 0 {
		// More work may have been queued while draining; skip the sleep.
		return
	}
	l.poll()
}

// drainJobs runs all currently queued jobs on the loop goroutine, returning
// the number executed.
func (l *Loop) drainJobs() int {
	n := 0
	for {
		l.jobsMu.Lock()
		if l.jobs.Length() == 0 {
			l.jobsMu.Unlock()
			return n
		}
		j := l.jobs.Remove().(job)
		l.jobsMu.Unlock()

		l.RunUnder(j.ec, j.fn)
		n++
	}
}

// poll blocks in the platform poller until I/O or a wakeup arrives.
// Readiness callbacks are dispatched inline by the poller.
func (l *Loop) poll() {
	if l.state.Load() != StateRunning {
		return
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Quick recheck: a job pushed between drain and the transition must not
	// be left waiting behind a blocking poll.
	l.jobsMu.Lock()
	pending := l.jobs.Length() > 0
	l.jobsMu.Unlock()
	if pending {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if l.state.Load() == StateTerminating {
		return
	}

	if _, err := l.poller.PollIO(-1); err != nil {
		l.logger.Err().
			Err(err).
			Log("poll failed, terminating loop")
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// drainWakeUpPipe drains the wake-up pipe.
func (l *Loop) drainWakeUpPipe() {
	for {
		_, err := unix.Read(l.wakePipe, l.wakeBuf[:])
		if err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake-up pipe. Allowed in every state except
// Terminated: a Terminating loop still needs waking to drain remaining jobs.
// Pipe write errors are expected during shutdown and handled by callers.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	// Native endianness; the wake payload's value is never inspected.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]

	_, err := unix.Write(l.wakePipeWrite, buf)
	return err
}

// Submit schedules fn to run on the loop goroutine under the caller's
// current execution context. Submissions are accepted during Terminating
// (in-flight work must drain) and rejected only once fully Terminated.
func (l *Loop) Submit(fn func()) error {
	return l.SubmitUnder(l.CurrentExecContext(), fn)
}

// SubmitUnder schedules fn to run on the loop goroutine under ec.
func (l *Loop) SubmitUnder(ec *ExecContext, fn func()) error {
	// Inflight is incremented BEFORE the state check so the terminate drain
	// cannot conclude between our check and our push.
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.jobsMu.Lock()
	l.jobs.Add(job{fn: fn, ec: ec})
	l.jobsMu.Unlock()

	if l.state.Load() == StateSleeping {
		if l.wakePending.CompareAndSwap(0, 1) {
			if err := l.submitWakeup(); err != nil {
				l.wakePending.Store(0)
			}
		}
	}
	return nil
}

// inWorker runs fn on a worker goroutine tracked by the loop, keeping
// potentially-blocking syscalls off the loop goroutine.
func (l *Loop) inWorker(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		fn()
	}()
}

// closeFDs closes the poller and wake descriptors.
func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	_ = unix.Close(l.wakePipe)
	if l.wakePipeWrite != l.wakePipe {
		_ = unix.Close(l.wakePipeWrite)
	}
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// WrapResult is the outcome of an asynchronous [Loop.WrapFd].
type WrapResult struct {
	Fd  *Fd
	Err error
}

// WrapFd takes ownership of a raw descriptor, classifying its kind via fstat
// on a worker goroutine (the syscall can block on some filesystems). The
// result is delivered on the loop goroutine.
func (l *Loop) WrapFd(raw int, info string) *Ivar[WrapResult] {
	result := NewIvar[WrapResult]()
	ec := l.CurrentExecContext()
	l.inWorker(func() {
		kind, err := classifyRawFd(raw)
		finish := func() {
			if err != nil {
				result.Fill(WrapResult{Err: err})
				return
			}
			fd, wrapErr := l.WrapFdWithKind(raw, kind, info)
			result.Fill(WrapResult{Fd: fd, Err: wrapErr})
		}
		if submitErr := l.SubmitUnder(ec, finish); submitErr != nil {
			finish()
		}
	})
	return result
}

// WrapFdWithKind takes ownership of a raw descriptor whose kind the caller
// already knows, registering it in the loop's table. It fails with
// [ErrDuplicateFd] if the raw value is already tracked and [ErrTableFull] at
// capacity.
func (l *Loop) WrapFdWithKind(raw int, kind Kind, info string) (*Fd, error) {
	fd := newFd(l, raw, kind, info)
	if err := l.table.Add(fd); err != nil {
		return nil, err
	}
	return fd, nil
}
