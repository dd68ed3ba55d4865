//go:build linux || darwin

package fdloop

import (
	"golang.org/x/sys/unix"
)

// Syscall entry points used by the close protocol. Declared as variables so
// tests can intercept them to observe ordering and at-most-once semantics.
var (
	// closeRawFd closes a raw descriptor.
	closeRawFd = unix.Close

	// shutdownRawFd shuts down a socket in the given direction(s).
	shutdownRawFd = unix.Shutdown
)

// readRawFd reads from a raw descriptor.
func readRawFd(raw int, buf []byte) (int, error) {
	return unix.Read(raw, buf)
}

// writeRawFd writes to a raw descriptor.
func writeRawFd(raw int, buf []byte) (int, error) {
	return unix.Write(raw, buf)
}

// setNonblockRawFd sets or clears O_NONBLOCK on a raw descriptor.
func setNonblockRawFd(raw int, nonblocking bool) error {
	return unix.SetNonblock(raw, nonblocking)
}
