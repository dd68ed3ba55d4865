//go:build linux || darwin

package fdloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "File", KindFile.String())
	assert.Equal(t, "Char", KindChar.String())
	assert.Equal(t, "Fifo", KindFifo.String())
	assert.Equal(t, "Socket(Active)", KindSocketActive.String())
	assert.Equal(t, "Socket(Passive)", KindSocketPassive.String())
}

func TestKindPollable(t *testing.T) {
	assert.False(t, KindFile.Pollable())
	assert.True(t, KindChar.Pollable())
	assert.True(t, KindFifo.Pollable())
	assert.True(t, KindSocketActive.Pollable())
	assert.True(t, KindSocketPassive.Pollable())
}

func TestClassifyRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "classify")
	require.NoError(t, err)
	defer f.Close()

	kind, err := classifyRawFd(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, KindFile, kind)
}

func TestClassifyCharDevice(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()

	kind, err := classifyRawFd(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, KindChar, kind)
}

func TestClassifyPipe(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	kind, err := classifyRawFd(r)
	require.NoError(t, err)
	assert.Equal(t, KindFifo, kind)
}

func TestClassifyActiveSocket(t *testing.T) {
	a, b := makeSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	kind, err := classifyRawFd(a)
	require.NoError(t, err)
	assert.Equal(t, KindSocketActive, kind)
}

func TestClassifyListeningSocket(t *testing.T) {
	s, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(s)

	addr := &unix.SockaddrUnix{Name: filepath.Join(t.TempDir(), "sock")}
	require.NoError(t, unix.Bind(s, addr))
	require.NoError(t, unix.Listen(s, 1))

	kind, err := classifyRawFd(s)
	require.NoError(t, err)
	assert.Equal(t, KindSocketPassive, kind)
}

func TestClassifyBadFd(t *testing.T) {
	// A descriptor value that is almost certainly not open.
	_, err := classifyRawFd(1 << 20)
	assert.Error(t, err)
}
