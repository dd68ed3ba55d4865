package fdloop

// Kind classifies what a raw descriptor refers to, as far as this layer
// cares: it determines whether readiness watching is supported and whether
// close performs a socket shutdown first.
//
// Regular files, directories, block devices, and symbolic links all classify
// as [KindFile]; this layer does not distinguish them further.
type Kind uint8

const (
	// KindFile is a regular file (or directory, block device, or symlink).
	// Files are always ready; they cannot be watched for readiness.
	KindFile Kind = iota
	// KindChar is a character device.
	KindChar
	// KindFifo is a named or anonymous pipe.
	KindFifo
	// KindSocketActive is a connected (or connectable) socket.
	KindSocketActive
	// KindSocketPassive is a listening socket.
	KindSocketPassive
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "File"
	case KindChar:
		return "Char"
	case KindFifo:
		return "Fifo"
	case KindSocketActive:
		return "Socket(Active)"
	case KindSocketPassive:
		return "Socket(Passive)"
	default:
		return "Unknown"
	}
}

// Pollable reports whether the underlying OS readiness mechanism can watch
// descriptors of this kind. Callers seeing false must treat the descriptor
// as always ready.
func (k Kind) Pollable() bool {
	return k != KindFile
}

// isSocket reports whether the kind is either socket variant.
func (k Kind) isSocket() bool {
	return k == KindSocketActive || k == KindSocketPassive
}
