//go:build linux
// +build linux

package node

import (
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Acceptor owns the listening socket and a poller that watches nothing but
// accept readiness. Accepted connections go to the pool in round robin.
type Acceptor struct {
	ln     *net.TCPListener
	file   *os.File
	lnFd   int
	poller *Poller
	pool   *WorkerPool
	opts   Options

	// tempDelay is the current pause after running out of fds or memory,
	// zero while accepts succeed. Run goroutine only.
	tempDelay time.Duration

	stopped   atomic.Bool
	accepted  atomic.Uint64
	throttled atomic.Uint64
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func NewAcceptor(ln *net.TCPListener, pool *WorkerPool, opts Options) (*Acceptor, error) {
	f, err := ln.File()
	if err != nil {
		log.Logger.Error("Failed to get listener fd", zap.Error(err))
		return nil, err
	}

	lnFd := int(f.Fd())
	// Fd() hands the descriptor back in blocking mode
	if err := unix.SetNonblock(lnFd, true); err != nil {
		_ = f.Close()
		return nil, os.NewSyscallError("setnonblock", err)
	}

	poller, err := OpenPoller(opts.withDefaults().MaxEvents)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := poller.Register(lnFd, EventAccept); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		_ = poller.Close()
		_ = f.Close()
		return nil, err
	}

	return &Acceptor{
		ln:     ln,
		file:   f,
		lnFd:   lnFd,
		poller: poller,
		pool:   pool,
		opts:   opts,
		done:   make(chan struct{}),
	}, nil
}

func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Accepted returns how many connections were handed to workers.
func (a *Acceptor) Accepted() uint64 {
	return a.accepted.Load()
}

// Throttled returns how many accept attempts failed for lack of fds or memory.
func (a *Acceptor) Throttled() uint64 {
	return a.throttled.Load()
}

// Run blocks on the accept loop until Stop is called. It returns a non-nil
// error only when the poller itself fails.
func (a *Acceptor) Run() error {
	started := false
	a.startOnce.Do(func() { started = true })
	if !started {
		if a.stopped.Load() {
			return nil
		}
		return errors.New("node: acceptor already running")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.done)
	defer a.release()

	log.Logger.Info("acceptor started", zap.String("addr", a.Addr().String()), zap.Int("workers", a.pool.Size()))

	ready := make([]Readiness, 0, 1)
	for !a.stopped.Load() {
		var err error
		ready, err = a.poller.Wait(-1, ready[:0])
		if err != nil {
			if a.stopped.Load() {
				return nil
			}
			log.Logger.Error("acceptor wait failed", zap.Error(err))
			return err
		}
		for _, ev := range ready {
			if ev.Fd == a.lnFd && a.acceptBatch() {
				if err := a.pause(); err != nil {
					if a.stopped.Load() {
						return nil
					}
					log.Logger.Error("acceptor wait failed", zap.Error(err))
					return err
				}
			}
		}
	}
	return nil
}

// pause takes the listener out of the interest set for tempDelay. The pending
// connection stays queued, so without this the level triggered wait would
// report it again at once. Stop still interrupts the pause.
func (a *Acceptor) pause() error {
	if err := a.poller.SetInterest(a.lnFd, 0); err != nil {
		return err
	}
	if _, err := a.poller.Wait(a.tempDelay, nil); err != nil {
		return err
	}
	return a.poller.SetInterest(a.lnFd, EventAccept)
}

func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

// acceptBatch drains every pending connection behind one notification. Accept
// errors end the batch but never the acceptor. It reports true when the batch
// ended because the process ran out of fds or memory; the caller then backs
// off for tempDelay, 5ms doubling up to 1s.
func (a *Acceptor) acceptBatch() bool {
	for {
		nfd, sa, err := unix.Accept4(a.lnFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case isResourceExhausted(err):
				if a.tempDelay == 0 {
					a.tempDelay = 5 * time.Millisecond
				} else {
					a.tempDelay *= 2
				}
				if a.tempDelay > time.Second {
					a.tempDelay = time.Second
				}
				a.throttled.Inc()
				log.Logger.Warn("accept error, retrying", zap.Duration("delay", a.tempDelay), zap.Error(err))
				return true
			default:
				log.Logger.Error("accept error", zap.Error(err))
			}
			return false
		}
		a.tempDelay = 0

		if a.opts.NoDelay {
			if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				log.Logger.Debug("set nodelay", zap.Int("fd", nfd), zap.Error(err))
			}
		}

		remote := sockaddrString(sa)
		w := a.pool.Next()
		if err := w.Assign(nfd, remote); err != nil {
			log.Logger.Warn("assign failed, dropping connection", zap.String("worker", w.Name()),
				zap.String("remote", remote), zap.Error(err))
			_ = CloseFd(nfd)
			continue
		}
		a.accepted.Inc()
		log.Logger.Debug("new connection", zap.Int("fd", nfd), zap.String("remote", remote),
			zap.String("worker", w.Name()))
	}
}

// Stop ends Run and closes the acceptor's copy of the listening socket. The
// net.Listener itself stays open; its owner closes it.
func (a *Acceptor) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		started := true
		a.startOnce.Do(func() { started = false })
		if !started {
			err = a.release()
			close(a.done)
			return
		}
		if werr := a.poller.Wakeup(); werr != nil && !errors.Is(werr, ErrPollerClosed) {
			err = werr
		}
	})
	<-a.done
	return err
}

func (a *Acceptor) release() error {
	var err error
	if derr := a.poller.Deregister(a.lnFd); derr != nil && !errors.Is(derr, ErrNotRegistered) {
		err = multierr.Append(err, derr)
	}
	err = multierr.Append(err, a.poller.Close())
	err = multierr.Append(err, a.file.Close())
	return err
}
