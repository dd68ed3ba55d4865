//go:build linux || darwin

package fdloop

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "read", Read.String())
	assert.Equal(t, "write", Write.String())
}

func TestWatchOutcomeString(t *testing.T) {
	assert.Equal(t, "Ready", WatchReady.String())
	assert.Equal(t, "Closed", WatchClosed.String())
	assert.Equal(t, "BadFd", WatchBadFd.String())
	assert.Equal(t, "Interrupted", WatchInterrupted.String())
}

func TestStartWatchResultString(t *testing.T) {
	assert.Equal(t, "Watching", Watching.String())
	assert.Equal(t, "AlreadyWatching", AlreadyWatching.String())
	assert.Equal(t, "AlreadyClosed", AlreadyClosed.String())
	assert.Equal(t, "Unsupported", WatchUnsupported.String())
}

func TestReadyToPipeBecomesReady(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)

	ready := fd.ReadyTo(Read)
	assert.False(t, ready.IsFull())

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, WatchReady, await(t, ready))

	n, err := fd.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	await(t, fd.Close())
}

func TestReadyToWriteReadyImmediately(t *testing.T) {
	loop := newTestLoop(t)
	a, b := makeSocketpair(t)
	defer unix.Close(b)

	fd, err := loop.WrapFdWithKind(a, KindSocketActive, "test socket")
	require.NoError(t, err)

	// An idle stream socket has buffer space, so write readiness arrives on
	// the first poll.
	assert.Equal(t, WatchReady, await(t, fd.ReadyTo(Write)))
	await(t, fd.Close())
}

func TestReadyToAfterCloseRequested(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	await(t, fd.Close())

	ready := fd.ReadyTo(Read)
	outcome, ok := ready.TryPeek()
	require.True(t, ok, "watch on a closed fd must resolve immediately")
	assert.Equal(t, WatchClosed, outcome)
}

func TestCloseSettlesPendingWatchSynchronously(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)

	ready := fd.ReadyTo(Read)
	fin := fd.Close()

	// The watcher observes Closed before the close request returns.
	outcome, ok := ready.TryPeek()
	require.True(t, ok)
	assert.Equal(t, WatchClosed, outcome)
	await(t, fin)
}

func TestReadyToUnsupportedCollapsesToReady(t *testing.T) {
	loop := newTestLoop(t)
	f, err := os.CreateTemp(t.TempDir(), "watch")
	require.NoError(t, err)
	defer f.Close()

	fd, err := loop.WrapFdWithKind(int(f.Fd()), KindFile, f.Name())
	require.NoError(t, err)

	// Regular files are treated as always ready.
	outcome, ok := fd.ReadyTo(Read).TryPeek()
	require.True(t, ok)
	assert.Equal(t, WatchReady, outcome)

	// The repeating variant cannot fake a readiness stream; it reports the
	// lack of support explicitly.
	finished, err := fd.EveryReadyTo(Read, func() {})
	require.ErrorIs(t, err, ErrWatchUnsupported)
	assert.Nil(t, finished)

	await(t, fd.CloseKeepDescriptor())
}

func TestReadyToBadFd(t *testing.T) {
	loop := newTestLoop(t)

	// A raw value that is not an open descriptor: registration fails with
	// EBADF and the watch retires immediately.
	fd, err := loop.WrapFdWithKind(1<<19, KindFifo, "bogus")
	require.NoError(t, err)

	assert.Equal(t, WatchBadFd, await(t, fd.ReadyTo(Read)))
	await(t, fd.CloseKeepDescriptor())
}

func TestDoubleWatchPanics(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	first := fd.ReadyTo(Read)
	defer func() {
		rec := recover()
		require.NotNil(t, rec, "second watch in the same direction must panic")
		_, ok := rec.(*ProgrammingError)
		assert.True(t, ok, "panic value should be *ProgrammingError, got %T", rec)
		assert.False(t, first.IsFull())
	}()
	fd.ReadyTo(Read)
}

func TestOppositeDirectionsMayCoexist(t *testing.T) {
	loop := newTestLoop(t)
	a, b := makeSocketpair(t)
	defer unix.Close(b)

	fd, err := loop.WrapFdWithKind(a, KindSocketActive, "test socket")
	require.NoError(t, err)

	readReady := fd.ReadyTo(Read)
	writeReady := fd.ReadyTo(Write)

	assert.Equal(t, WatchReady, await(t, writeReady))

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, WatchReady, await(t, readReady))

	await(t, fd.Close())
}

func TestEveryReadyToAccumulates(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []byte
	finished, err := fd.EveryReadyTo(Read, func() {
		buf := make([]byte, 64)
		n, err := fd.Read(buf)
		if err != nil || n <= 0 {
			return
		}
		mu.Lock()
		got = append(got, buf[:n]...)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("foo"))
	require.NoError(t, err)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "foo"
	}, "first chunk not observed")

	_, err = unix.Write(w, []byte("bar"))
	require.NoError(t, err)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "foobar"
	}, "second chunk not observed")

	fd.Close()
	assert.Equal(t, WatchClosed, await(t, finished))
}

func TestInterruptibleReadyToInterruptWins(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	interrupt := NewIvar[struct{}]()
	ready := fd.InterruptibleReadyTo(Read, interrupt)
	assert.False(t, ready.IsFull())

	interrupt.Fill(struct{}{})
	assert.Equal(t, WatchInterrupted, await(t, ready))

	// The slot is free again; a successor watch works normally.
	successor := fd.ReadyTo(Read)
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, WatchReady, await(t, successor))
}

func TestInterruptAfterReadyIsDiscarded(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	interrupt := NewIvar[struct{}]()
	ready := fd.InterruptibleReadyTo(Read, interrupt)
	assert.Equal(t, WatchReady, await(t, ready))

	// The losing interrupt has no visible effect.
	interrupt.Fill(struct{}{})
	outcome, _ := ready.TryPeek()
	assert.Equal(t, WatchReady, outcome)
}

func TestInterruptibleEveryReadyToStopsAccumulating(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	var mu sync.Mutex
	var got []byte
	interrupt := NewIvar[struct{}]()
	finished, err := fd.InterruptibleEveryReadyTo(Read, func() {
		buf := make([]byte, 64)
		n, err := fd.Read(buf)
		if err != nil || n <= 0 {
			return
		}
		mu.Lock()
		got = append(got, buf[:n]...)
		mu.Unlock()
	}, interrupt)
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("foo"))
	require.NoError(t, err)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "foo"
	}, "chunk not observed before interrupt")

	interrupt.Fill(struct{}{})
	assert.Equal(t, WatchInterrupted, await(t, finished))

	// Data written after the interrupt is not consumed by the retired watch.
	_, err = unix.Write(w, []byte("bar"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "foo", string(got))
}

func TestHalfClosePeerGone(t *testing.T) {
	loop := newTestLoop(t)
	a, b := makeSocketpair(t)

	fd, err := loop.WrapFdWithKind(a, KindSocketActive, "test socket")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	require.NoError(t, unix.Close(b))

	// A vanished peer still reports write readiness; the syscall itself
	// surfaces the real error.
	assert.Equal(t, WatchReady, await(t, fd.ReadyTo(Write)))

	_, err = fd.Write([]byte("x"))
	require.ErrorIs(t, err, unix.EPIPE)
}

func TestPeerEOFDeliversReadReadiness(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	defer func() { await(t, fd.Close()) }()

	ready := fd.ReadyTo(Read)
	require.NoError(t, unix.Close(w))

	assert.Equal(t, WatchReady, await(t, ready))
	n, err := fd.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "EOF")
}
