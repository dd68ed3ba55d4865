package fdloop

import "sync"

// Ivar is a single-fire completion cell: it is empty until filled exactly
// once, and every reader observes the same value. It is the suspension
// primitive used throughout this package: close-requested and
// close-finished signals, readiness watch results, and worker-thread syscall
// completions are all Ivars.
//
// Fill is first-wins: later fills are ignored and report false. This is what
// makes "race two sources, discard the loser" cancellation safe to express
// directly (see [Fd.InterruptibleReadyTo]).
//
// All methods are safe for concurrent use.
type Ivar[T any] struct {
	mu          sync.Mutex
	full        bool
	value       T
	subscribers []chan T
	handlers    []func(T)
}

// NewIvar returns an empty Ivar.
func NewIvar[T any]() *Ivar[T] {
	return &Ivar[T]{}
}

// FilledIvar returns an Ivar that is already full with v.
func FilledIvar[T any](v T) *Ivar[T] {
	return &Ivar[T]{full: true, value: v}
}

// Fill completes the Ivar with v and notifies all subscribers. It returns
// false, without side effects, if the Ivar was already full.
func (iv *Ivar[T]) Fill(v T) bool {
	iv.mu.Lock()
	if iv.full {
		iv.mu.Unlock()
		return false
	}
	iv.full = true
	iv.value = v

	subscribers := iv.subscribers
	handlers := iv.handlers
	iv.subscribers = nil
	iv.handlers = nil
	iv.mu.Unlock()

	for _, ch := range subscribers {
		// Subscriber channels are buffered (capacity 1) and owned by this
		// Ivar, so the send never blocks.
		ch <- v
		close(ch)
	}
	for _, fn := range handlers {
		fn(v)
	}
	return true
}

// IsFull reports whether the Ivar has been filled.
func (iv *Ivar[T]) IsFull() bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return iv.full
}

// TryPeek returns the value and true if the Ivar is full, or the zero value
// and false otherwise.
func (iv *Ivar[T]) TryPeek() (T, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return iv.value, iv.full
}

// Done returns a channel that receives the value when the Ivar is filled and
// is then closed. If the Ivar is already full the channel is pre-filled.
// Each call returns a fresh channel.
func (iv *Ivar[T]) Done() <-chan T {
	iv.mu.Lock()
	if iv.full {
		v := iv.value
		iv.mu.Unlock()
		ch := make(chan T, 1)
		ch <- v
		close(ch)
		return ch
	}
	ch := make(chan T, 1)
	iv.subscribers = append(iv.subscribers, ch)
	iv.mu.Unlock()
	return ch
}

// Upon registers fn to run with the value once the Ivar is filled. If the
// Ivar is already full, fn runs immediately on the calling goroutine;
// otherwise it runs on the goroutine that calls Fill, after the value is
// visible. Handlers run outside the Ivar's lock and in registration order.
func (iv *Ivar[T]) Upon(fn func(T)) {
	if fn == nil {
		return
	}
	iv.mu.Lock()
	if iv.full {
		v := iv.value
		iv.mu.Unlock()
		fn(v)
		return
	}
	iv.handlers = append(iv.handlers, fn)
	iv.mu.Unlock()
}
