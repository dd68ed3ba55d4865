// Package fdloop owns the lifecycle of OS file descriptors inside a
// cooperative, event-driven I/O runtime. It multiplexes readiness
// notifications onto a single-goroutine job loop and implements a staged,
// idempotent close protocol that never closes a descriptor while a syscall
// against it is in flight.
//
// # Architecture
//
// The package is built around three pieces:
//
//   - [Fd], the owning handle for one raw descriptor: identity, kind
//     classification, the Open → CloseRequested → Closed state machine, the
//     active-syscall counter, and the readiness watch slots.
//   - [FdTable], a bounded dense table mapping raw descriptor values back to
//     their owning [Fd], used to route poller events.
//   - [Loop], a minimal cooperative scheduler: a job queue, a platform
//     poller (epoll on Linux, kqueue on Darwin), a wake descriptor, and a
//     worker-dispatch bracket for blocking syscalls.
//
// # Close protocol
//
// [Fd.Close] requests a close and returns an [Ivar] resolved when the
// descriptor has actually been released. The OS close syscall is deferred
// until every in-flight syscall bracket has released the descriptor, and is
// guaranteed to run exactly once. Active sockets get a best-effort
// bidirectional shutdown first; shutdown failures are swallowed and never
// prevent the close. Pending readiness watches observe [WatchClosed]
// synchronously, before the returned future resolves.
//
// # Readiness watches
//
// [Fd.ReadyTo] resolves once when the descriptor becomes readable or
// writable; [Fd.EveryReadyTo] invokes a callback on every readiness
// notification until stopped. Both have interruptible variants that race the
// watch against an external interrupt signal; whichever settles first wins
// and the loser is discarded. At most one watch may be outstanding per
// (descriptor, direction); a second subscription is a caller bug and
// panics.
//
// # Thread safety
//
// [Loop.Submit] and the [Ivar] operations are safe from any goroutine.
// Readiness callbacks and deferred close completions execute on the loop
// goroutine, under the execution context captured at subscription or close
// request time. Blocking syscalls are dispatched to worker goroutines; their
// completions are handed back to the loop before any Fd state is touched.
//
// # Usage
//
//	loop, err := fdloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(context.Background())
//	defer loop.Shutdown(context.Background())
//
//	fd, err := loop.WrapFdWithKind(raw, fdloop.KindFifo, "status pipe")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outcome := <-fd.ReadyTo(fdloop.Read).Done()
package fdloop
