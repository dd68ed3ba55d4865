//go:build linux || darwin

package fdloop

import (
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

// testEvent is a minimal logiface.Event implementation for asserting on the
// structured logging paths.
type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
}

func (e *testEvent) Level() logiface.Level { return e.level }
func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = map[string]any{}
	}
	e.fields[key] = val
}

type testEventFactory struct{}

func (f *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// testEventWriter records written events.
type testEventWriter struct {
	mu     sync.Mutex
	events []*testEvent
}

func (w *testEventWriter) Write(event *testEvent) error {
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
	return nil
}

func (w *testEventWriter) snapshot() []*testEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*testEvent(nil), w.events...)
}

func newTestLogger(writer *testEventWriter) *logiface.Logger[logiface.Event] {
	typed := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](writer),
	)
	return typed.Logger()
}

func TestCloseSyscallFailureIsLogged(t *testing.T) {
	writer := &testEventWriter{}
	loop := newTestLoop(t, WithLogger(newTestLogger(writer)))
	r, w := makePipe(t)
	defer unix.Close(w)

	orig := closeRawFd
	closeRawFd = func(raw int) error {
		_ = orig(raw)
		return unix.EBADF
	}
	defer func() { closeRawFd = orig }()

	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	await(t, fd.Close())

	// The failure is reported against the context that requested the close;
	// it never blocks close completion.
	assert.Equal(t, FdClosed, fd.State())
	eventually(t, func() bool {
		return len(writer.snapshot()) > 0
	}, "close failure was not logged")

	events := writer.snapshot()
	found := false
	for _, ev := range events {
		if ev.level == logiface.LevelWarning {
			found = true
			assert.Equal(t, r, ev.fields["fd"])
		}
	}
	assert.True(t, found, "expected a warning event, got %d events", len(events))
}

func TestJobPanicLoggedWithoutOnError(t *testing.T) {
	writer := &testEventWriter{}
	loop := newTestLoop(t, WithLogger(newTestLogger(writer)))

	// The root context has no OnError handler, so the recovered panic goes
	// to the logger.
	require.NoError(t, loop.Submit(func() { panic("boom") }))

	eventually(t, func() bool {
		for _, ev := range writer.snapshot() {
			if ev.level == logiface.LevelError {
				return true
			}
		}
		return false
	}, "recovered panic was not logged")
}

func TestNilLoggerIsSafe(t *testing.T) {
	loop := newTestLoop(t)
	r, w := makePipe(t)
	defer unix.Close(w)

	orig := closeRawFd
	closeRawFd = func(raw int) error {
		_ = orig(raw)
		return unix.EBADF
	}
	defer func() { closeRawFd = orig }()

	// No logger configured: errors are dropped, never panicked on.
	fd, err := loop.WrapFdWithKind(r, KindFifo, "test pipe")
	require.NoError(t, err)
	await(t, fd.Close())
	require.NoError(t, loop.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() { close(done) }))
	<-done
}
