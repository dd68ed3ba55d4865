//go:build linux || darwin

package fdloop

import "errors"

// Readiness monitoring uses platform-native mechanisms:
//   - Linux: epoll (poller_linux.go)
//   - Darwin/BSD: kqueue (poller_darwin.go)
//
// Descriptors are registered with the union of their active watch
// directions; watch code keeps the registration in sync as watches come and
// go, and always unregisters before the raw descriptor is closed so recycled
// descriptor values cannot receive stale events.

// Initial size of the per-FD info slice.
const maxFDs = 65536

// maxFDLimit is the maximum FD value supported by dynamic growth.
// 100M is enough for production with ulimit -n > 1M.
const maxFDLimit = 100000000

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("fdloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("fdloop: fd already registered")
	ErrFDNotRegistered     = errors.New("fdloop: fd not registered")
	ErrPollerClosed        = errors.New("fdloop: poller closed")
)

// ioCallback is the callback type for I/O events.
type ioCallback func(IOEvents)

// pollerFdInfo stores per-FD callback information.
type pollerFdInfo struct {
	callback ioCallback
	events   IOEvents
	active   bool
}
