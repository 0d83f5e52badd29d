//go:build linux
// +build linux

package node

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fzft/go-reactor/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

func TestAcceptorBacksOffWhenOutOfFds(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	prev := log.Logger
	log.Logger = zap.New(core)
	t.Cleanup(func() { log.Logger = prev })

	s := startTestServer(t, 1, nil)

	var rlim unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim))
	restore := func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim) }
	t.Cleanup(restore)
	limited := rlim
	if limited.Cur > 256 {
		limited.Cur = 256
	}
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &limited))

	// fill the fd table, then free one slot for the client socket
	var filler []int
	releaseFiller := func() {
		for _, fd := range filler {
			_ = unix.Close(fd)
		}
		filler = nil
	}
	t.Cleanup(releaseFiller)
	for {
		fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			require.ErrorIs(t, err, unix.EMFILE)
			break
		}
		filler = append(filler, fd)
	}
	if len(filler) == 0 {
		restore()
		t.Skip("fd table already full")
	}
	require.NoError(t, unix.Close(filler[len(filler)-1]))
	filler = filler[:len(filler)-1]

	client, err := net.DialTimeout("tcp", s.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	time.Sleep(300 * time.Millisecond)
	throttled := s.acceptor.Throttled()
	assert.GreaterOrEqual(t, throttled, uint64(1))
	assert.LessOrEqual(t, throttled, uint64(20))
	assert.LessOrEqual(t, logs.FilterMessageSnippet("accept error").Len(), 20)
	assert.Equal(t, uint64(0), s.acceptor.Accepted())

	// once fds are back the pending connection is served
	releaseFiller()
	restore()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Write([]byte("back"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "back", string(buf))
	assert.Equal(t, uint64(1), s.acceptor.Accepted())
}

func TestAcceptorStopBeforeRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	pool, err := NewWorkerPool(1, nil, Options{})
	require.NoError(t, err)
	defer pool.Stop()

	a, err := NewAcceptor(ln.(*net.TCPListener), pool, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Stop())
	assert.NoError(t, a.Run())
}
