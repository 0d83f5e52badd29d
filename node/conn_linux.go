//go:build linux
// +build linux

package node

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var connSeq atomic.Uint64

// conn is the epoll backed Conn. Apart from the atomics, its state is only
// touched by the goroutine of the worker that owns it.
type conn struct {
	fd     int
	id     uint64
	remote string
	worker *Worker

	interest IOEvents
	inbound  []byte
	// outBuffer holds bytes the socket has not accepted yet. Non-empty if and
	// only if EventWrite is part of interest.
	outBuffer  bytes.Buffer
	lastActive time.Time
	ctx        interface{}

	closed  atomic.Bool
	pending atomic.Int64
}

func newConn(fd int, remote string, w *Worker) *conn {
	return &conn{
		fd:      fd,
		id:      connSeq.Inc(),
		remote:  remote,
		worker:  w,
		inbound: make([]byte, w.opts.ReadBufferSize),
	}
}

func (c *conn) Fd() int                    { return c.fd }
func (c *conn) ID() uint64                 { return c.id }
func (c *conn) RemoteAddr() string         { return c.remote }
func (c *conn) WorkerID() int              { return c.worker.id }
func (c *conn) Pending() int               { return int(c.pending.Load()) }
func (c *conn) Closed() bool               { return c.closed.Load() }
func (c *conn) Context() interface{}       { return c.ctx }
func (c *conn) SetContext(ctx interface{}) { c.ctx = ctx }

// Write tries the socket first and parks the remainder, enabling write
// interest, when the kernel send buffer is full.
func (c *conn) Write(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if !c.worker.inLoop() {
		buf := append([]byte(nil), data...)
		return c.worker.Submit(func() {
			if err := c.write(buf); err != nil {
				log.Logger.Debug("queued write failed", zap.Int("fd", c.fd), zap.Error(err))
			}
		})
	}
	return c.write(data)
}

func (c *conn) write(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if len(data) == 0 {
		return nil
	}

	// earlier bytes are still queued, keep ordering
	if c.outBuffer.Len() > 0 {
		c.outBuffer.Write(data)
		c.pending.Store(int64(c.outBuffer.Len()))
		return nil
	}

	n, err := writeFd(c.fd, data)
	if err != nil {
		c.closeWith(err)
		return err
	}
	if n < len(data) {
		c.outBuffer.Write(data[n:])
		c.pending.Store(int64(c.outBuffer.Len()))
		if err := c.setInterest(EventRead | EventWrite); err != nil {
			c.closeWith(err)
			return err
		}
	}
	return nil
}

// handleRead performs one read into the scratch buffer. End of stream and read
// errors close the connection and never leave this function.
func (c *conn) handleRead() {
	n, err := readFd(c.fd, c.inbound)
	switch {
	case err != nil:
		c.closeWith(err)
	case n == 0:
		c.closeWith(nil)
	case n < 0:
		// spurious wakeup, nothing to read
	default:
		c.lastActive = c.worker.now
		c.worker.handler.OnData(c, c.inbound[:n])
	}
}

// handleWrite flushes as much of the pending output as the socket accepts and
// drops write interest once everything is out.
func (c *conn) handleWrite() {
	if c.outBuffer.Len() == 0 {
		if err := c.setInterest(EventRead); err != nil {
			c.closeWith(err)
		}
		return
	}

	n, err := writeFd(c.fd, c.outBuffer.Bytes())
	if err != nil {
		c.closeWith(err)
		return
	}
	c.outBuffer.Next(n)
	c.pending.Store(int64(c.outBuffer.Len()))
	if n > 0 {
		c.lastActive = c.worker.now
	}

	if c.outBuffer.Len() == 0 {
		// drop the backing array, a large write must not stay pinned
		c.outBuffer = bytes.Buffer{}
		if err := c.setInterest(EventRead); err != nil {
			c.closeWith(err)
			return
		}
		c.worker.handler.OnWritable(c)
	}
}

func (c *conn) setInterest(events IOEvents) error {
	if c.interest == events {
		return nil
	}
	if err := c.worker.poller.SetInterest(c.fd, events); err != nil {
		return err
	}
	c.interest = events
	return nil
}

func (c *conn) Close() error {
	if c.closed.Load() {
		return nil
	}
	if !c.worker.inLoop() {
		err := c.worker.Submit(func() { c.closeWith(nil) })
		if errors.Is(err, ErrWorkerStopped) {
			// the worker already closed everything it owned
			return nil
		}
		return err
	}
	c.closeWith(nil)
	return nil
}

// closeWith deregisters and closes the fd, then notifies the handler. cause is
// nil for an orderly close.
func (c *conn) closeWith(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	w := c.worker
	if err := w.poller.Deregister(c.fd); err != nil && !errors.Is(err, ErrNotRegistered) {
		log.Logger.Debug("deregister failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	if err := CloseFd(c.fd); err != nil {
		log.Logger.Debug("close failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	w.forget(c)

	c.outBuffer = bytes.Buffer{}
	c.pending.Store(0)
	c.interest = 0

	if cause != nil {
		log.Logger.Debug("connection closed", zap.Int("fd", c.fd), zap.String("remote", c.remote), zap.Error(cause))
	} else {
		log.Logger.Debug("connection closed", zap.Int("fd", c.fd), zap.String("remote", c.remote))
	}
	w.handler.OnClosed(c)
}

// sockaddrString formats the peer address returned by accept.
func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrUnix:
		return addr.Name
	default:
		return ""
	}
}
