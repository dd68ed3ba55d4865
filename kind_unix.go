//go:build linux || darwin

package fdloop

import (
	"golang.org/x/sys/unix"
)

// classifyRawFd infers the Kind of a raw descriptor via fstat(2). For
// sockets it additionally checks SO_ACCEPTCONN to distinguish listening
// (passive) sockets from connected (active) ones.
//
// This performs blocking syscalls; the public wrap path dispatches it to a
// worker goroutine via [Loop.WrapFd].
func classifyRawFd(raw int) (Kind, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(raw, &stat); err != nil {
		return KindFile, err
	}

	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		return KindChar, nil
	case unix.S_IFIFO:
		return KindFifo, nil
	case unix.S_IFSOCK:
		listening, err := unix.GetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil {
			// Some socket-like descriptors reject SO_ACCEPTCONN; treat
			// them as active rather than failing the wrap.
			return KindSocketActive, nil
		}
		if listening != 0 {
			return KindSocketPassive, nil
		}
		return KindSocketActive, nil
	default:
		// Regular files, directories, block devices, symlinks.
		return KindFile, nil
	}
}
