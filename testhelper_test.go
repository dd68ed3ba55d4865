//go:build linux || darwin

package fdloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

// newTestLoop starts a loop on a background goroutine and registers cleanup
// that shuts it down and waits for Run to return.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()

	loop, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
	}()

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), testTimeout)
		defer scancel()
		_ = loop.Shutdown(sctx)
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("loop did not stop")
		}
	})

	return loop
}

// makePipe returns the read and write ends of a fresh pipe.
func makePipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return p[0], p[1]
}

// makeSocketpair returns both ends of a connected AF_UNIX stream pair.
func makeSocketpair(t *testing.T) (int, int) {
	t.Helper()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return sp[0], sp[1]
}

// await reads an Ivar's value with a test timeout.
func await[T any](t *testing.T, iv *Ivar[T]) T {
	t.Helper()
	select {
	case v := <-iv.Done():
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for ivar")
		panic("unreachable")
	}
}

// eventually polls cond until it returns true or the deadline expires.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
