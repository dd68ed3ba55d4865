package fdloop

import (
	"fmt"
	"sync"
)

// defaultFdTableCapacity bounds the number of simultaneously tracked
// descriptors unless overridden via [WithFdTableCapacity].
const defaultFdTableCapacity = 65536

// FdTable tracks every descriptor the loop currently owns, indexed by raw
// descriptor value. Like the poller's registration array it is a dense slice
// rather than a map: raw descriptor values are small integers and the kernel
// recycles them densely.
//
// At most one entry per raw value may exist at a time; entries are removed
// when the close protocol finishes, which restores the slot for the recycled
// value.
type FdTable struct {
	mu       sync.RWMutex
	fds      []*Fd
	capacity int
	count    int
}

// newFdTable constructs a table bounded to capacity entries.
func newFdTable(capacity int) *FdTable {
	if capacity <= 0 {
		capacity = defaultFdTableCapacity
	}
	initial := capacity
	if initial > maxFDs {
		initial = maxFDs
	}
	return &FdTable{
		fds:      make([]*Fd, initial),
		capacity: capacity,
	}
}

// Add registers fd under its raw descriptor value. It fails with
// [ErrDuplicateFd] if another tracked descriptor already occupies the slot
// (the previous owner has not finished closing) and with [ErrTableFull] when
// the table is at capacity.
func (t *FdTable) Add(fd *Fd) error {
	raw := fd.raw
	if raw < 0 || raw >= maxFDLimit {
		return ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.capacity {
		return ErrTableFull
	}
	if raw >= len(t.fds) {
		newSize := raw*2 + 1
		if newSize > maxFDLimit {
			newSize = maxFDLimit + 1
		}
		newFds := make([]*Fd, newSize)
		copy(newFds, t.fds)
		t.fds = newFds
	}
	if t.fds[raw] != nil {
		return ErrDuplicateFd
	}
	t.fds[raw] = fd
	t.count++
	return nil
}

// Find returns the tracked descriptor for a raw value, if any.
func (t *FdTable) Find(raw int) (*Fd, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if raw < 0 || raw >= len(t.fds) || t.fds[raw] == nil {
		return nil, false
	}
	return t.fds[raw], true
}

// Remove releases fd's slot. The slot is cleared only if it still holds fd:
// a recycled raw value whose slot was already claimed by a successor is left
// alone.
func (t *FdTable) Remove(fd *Fd) {
	raw := fd.raw
	t.mu.Lock()
	defer t.mu.Unlock()
	if raw < 0 || raw >= len(t.fds) || t.fds[raw] != fd {
		return
	}
	t.fds[raw] = nil
	t.count--
}

// Len returns the number of tracked descriptors.
func (t *FdTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Fold invokes fn for each tracked descriptor until fn returns false. The
// iteration runs over a snapshot: fn may add or remove entries without
// deadlocking, and may observe descriptors removed after the snapshot.
func (t *FdTable) Fold(fn func(*Fd) bool) {
	t.mu.RLock()
	snapshot := make([]*Fd, 0, t.count)
	for _, fd := range t.fds {
		if fd != nil {
			snapshot = append(snapshot, fd)
		}
	}
	t.mu.RUnlock()

	for _, fd := range snapshot {
		if !fn(fd) {
			return
		}
	}
}

// CheckInvariant verifies internal consistency: the count matches the number
// of occupied slots and every entry is stored under its own raw value. Used
// by tests.
func (t *FdTable) CheckInvariant() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for raw, fd := range t.fds {
		if fd == nil {
			continue
		}
		n++
		if fd.raw != raw {
			return fmt.Errorf("fdloop: table entry for fd %d stored at index %d", fd.raw, raw)
		}
	}
	if n != t.count {
		return fmt.Errorf("fdloop: table count %d but %d occupied slots", t.count, n)
	}
	return nil
}
