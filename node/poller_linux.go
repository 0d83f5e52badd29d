//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

// fdClaims records which Poller currently holds each fd. epoll itself happily
// accepts one fd in several instances, so single ownership is enforced here.
var fdClaims = struct {
	sync.Mutex
	owner map[int]*Poller
}{owner: make(map[int]*Poller)}

func claimFd(fd int, p *Poller) error {
	fdClaims.Lock()
	defer fdClaims.Unlock()
	if _, ok := fdClaims.owner[fd]; ok {
		return ErrAlreadyRegistered
	}
	fdClaims.owner[fd] = p
	return nil
}

func releaseFd(fd int, p *Poller) {
	fdClaims.Lock()
	if fdClaims.owner[fd] == p {
		delete(fdClaims.owner, fd)
	}
	fdClaims.Unlock()
}

// Poller wraps one epoll instance plus an eventfd used to interrupt Wait.
//
// Register, SetInterest, Deregister and Wait belong to the goroutine that owns
// the poller. Wakeup may be called from anywhere.
type Poller struct {
	epollFd int
	wakeFd  int

	// registry maps fd to its current interest set, owner goroutine only.
	registry map[int]IOEvents
	events   []unix.EpollEvent

	// wakeMu keeps Close from pulling the eventfd out from under a Wakeup.
	wakeMu      sync.RWMutex
	wakePending atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func OpenPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	// Register the eventfd to epoll for read events
	if err := epollCtl(epfd, unix.EPOLL_CTL_ADD, efd, unix.EPOLLIN); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return &Poller{
		epollFd:  epfd,
		wakeFd:   efd,
		registry: make(map[int]IOEvents),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Register binds fd to the poller with an initial interest set.
func (p *Poller) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, ok := p.registry[fd]; ok {
		return ErrAlreadyRegistered
	}
	if err := claimFd(fd, p); err != nil {
		return err
	}

	if err := epollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, toEpoll(events)); err != nil {
		releaseFd(fd, p)
		if errors.Is(err, unix.EEXIST) {
			return ErrAlreadyRegistered
		}
		return err
	}

	p.registry[fd] = events
	return nil
}

// SetInterest replaces the watched operations of a registered fd.
func (p *Poller) SetInterest(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	cur, ok := p.registry[fd]
	if !ok {
		return ErrNotRegistered
	}
	if cur == events {
		return nil
	}

	if err := epollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, toEpoll(events)); err != nil {
		return err
	}
	p.registry[fd] = events
	return nil
}

// Deregister removes fd from the poller. Call it before closing fd.
func (p *Poller) Deregister(fd int) error {
	if _, ok := p.registry[fd]; !ok {
		return ErrNotRegistered
	}
	delete(p.registry, fd)
	releaseFd(fd, p)

	if p.closed.Load() {
		return nil
	}
	return epollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, 0)
}

// Interest returns the current interest set of fd.
func (p *Poller) Interest(fd int) (IOEvents, bool) {
	ev, ok := p.registry[fd]
	return ev, ok
}

// Len returns the number of registered fds, the wakeup fd excluded.
func (p *Poller) Len() int {
	return len(p.registry)
}

// Wait blocks until a registered fd is ready, the timeout elapses or Wakeup is
// called, and appends the ready fds to ready. A negative timeout blocks
// indefinitely. epoll runs level triggered: anything left unhandled is reported
// again by the next call.
func (p *Poller) Wait(timeout time.Duration, ready []Readiness) ([]Readiness, error) {
	if p.closed.Load() {
		return ready, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWakeup()
			continue
		}
		interest, ok := p.registry[fd]
		if !ok {
			continue
		}
		ready = append(ready, Readiness{Fd: fd, Events: fromEpoll(ev.Events, interest)})
	}
	return ready, nil
}

// Wakeup makes a blocked Wait return promptly. A wakeup that arrives before
// Wait blocks is kept in the eventfd and makes the next Wait return at once.
func (p *Poller) Wakeup() error {
	p.wakeMu.RLock()
	defer p.wakeMu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.wakePending.CompareAndSwap(false, true) {
		return nil
	}

	var one uint64 = 1
	_, err := unix.Write(p.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		p.wakePending.Store(false)
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

func (p *Poller) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			break
		}
	}
	p.wakePending.Store(false)
}

// Close releases every claim and closes the eventfd and the epoll fd. The
// registered fds themselves are left open.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		p.wakeMu.Lock()
		defer p.wakeMu.Unlock()
		p.closed.Store(true)
		for fd := range p.registry {
			releaseFd(fd, p)
		}
		p.registry = make(map[int]IOEvents)

		var err error
		if cerr := unix.Close(p.wakeFd); cerr != nil {
			err = multierr.Append(err, os.NewSyscallError("close eventfd", cerr))
		}
		if cerr := unix.Close(p.epollFd); cerr != nil {
			err = multierr.Append(err, os.NewSyscallError("close epoll", cerr))
		}
		p.closeErr = err
	})
	return p.closeErr
}

func epollCtl(epfd, op, fd int, events uint32) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Fd: int32(fd), Events: events}
	}
	if err := unix.EpollCtl(epfd, op, fd, ev); err != nil {
		return os.NewSyscallError(fmt.Sprintf("epoll_ctl(%s)", ctlName(op)), err)
	}
	return nil
}

func ctlName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "add"
	case unix.EPOLL_CTL_MOD:
		return "mod"
	default:
		return "del"
	}
}

func toEpoll(events IOEvents) uint32 {
	var ev uint32
	if events&(EventRead|EventAccept) != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// fromEpoll translates epoll flags, reporting EPOLLIN as EventAccept for
// descriptors that asked for accept readiness.
func fromEpoll(ev uint32, interest IOEvents) IOEvents {
	var events IOEvents
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		if interest&EventAccept != 0 {
			events |= EventAccept
		} else {
			events |= EventRead
		}
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return 1
	}
	return int(ms)
}
