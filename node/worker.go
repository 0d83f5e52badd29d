//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type WorkerState uint32

const (
	StateStopped WorkerState = iota
	StateRunning
	// StateDead means the poller failed and the worker gave up its connections.
	StateDead
)

func (s WorkerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("WorkerState(%d)", uint32(s))
	}
}

// Worker owns one Poller and the connections registered with it. Its loop runs
// on a dedicated, locked OS thread; other goroutines reach it only through the
// task queue followed by a poller wakeup.
type Worker struct {
	id      int
	name    string
	opts    Options
	handler Handler
	poller  *Poller
	tasks   *taskQueue

	// loop goroutine only
	conns    map[int]*conn
	now      time.Time
	lastReap time.Time
	taskBuf  []task
	ready    []Readiness
	quit     bool

	state     atomic.Uint32
	goid      atomic.Uint64
	// busy is false while the loop is parked in Wait. Handler callbacks and
	// tasks only ever run while it is true.
	busy      atomic.Bool
	stopping  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	connCount atomic.Int64
	assigned  atomic.Uint64
}

func NewWorker(id int, handler Handler, opts Options) (*Worker, error) {
	if handler == nil {
		handler = EchoHandler{}
	}
	opts = opts.withDefaults()

	poller, err := OpenPoller(opts.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("worker-%d: %w", id, err)
	}

	return &Worker{
		id:      id,
		name:    fmt.Sprintf("worker-%d", id),
		opts:    opts,
		handler: handler,
		poller:  poller,
		tasks:   newTaskQueue(),
		conns:   make(map[int]*conn),
		ready:   make([]Readiness, 0, opts.MaxEvents),
		done:    make(chan struct{}),
	}, nil
}

func (w *Worker) ID() int               { return w.id }
func (w *Worker) Name() string          { return w.name }
func (w *Worker) State() WorkerState    { return WorkerState(w.state.Load()) }
func (w *Worker) Conns() int            { return int(w.connCount.Load()) }
func (w *Worker) Assigned() uint64      { return w.assigned.Load() }
func (w *Worker) Done() <-chan struct{} { return w.done }

// Assign hands a connected, non-blocking fd to the worker. It only enqueues;
// the registration itself happens on the worker's thread. The first call
// starts the worker.
func (w *Worker) Assign(fd int, remote string) error {
	c := newConn(fd, remote, w)
	if err := w.enqueue(task{conn: c, interest: EventRead}); err != nil {
		return err
	}
	w.assigned.Inc()
	return nil
}

// Submit runs fn on the worker's thread during its next loop iteration.
func (w *Worker) Submit(fn func()) error {
	return w.enqueue(task{fn: fn})
}

func (w *Worker) enqueue(t task) error {
	if w.stopping.Load() {
		return ErrWorkerStopped
	}
	w.start()
	if !w.tasks.push(t) {
		return ErrWorkerStopped
	}
	// the loop may have exited between push and here; its shutdown has
	// already collected the task
	if err := w.poller.Wakeup(); err != nil && !errors.Is(err, ErrPollerClosed) {
		return err
	}
	return nil
}

func (w *Worker) start() {
	w.startOnce.Do(func() {
		w.state.Store(uint32(StateRunning))
		go w.run()
	})
}

// Stop ends the loop, closes every connection the worker owns and releases
// the poller. It blocks until the loop has exited, except when called from the
// worker's own thread, where it only flags the loop to exit.
func (w *Worker) Stop() {
	if w.inLoop() {
		w.stopping.Store(true)
		w.quit = true
		return
	}
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		started := true
		w.startOnce.Do(func() { started = false })
		if !started {
			w.shutdown(nil)
			close(w.done)
			return
		}
		if w.tasks.push(task{fn: func() { w.quit = true }}) {
			if err := w.poller.Wakeup(); err != nil && !errors.Is(err, ErrPollerClosed) {
				log.Logger.Warn("wakeup failed", zap.String("worker", w.name), zap.Error(err))
			}
		}
	})
	<-w.done
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	w.goid.Store(goroutineID())
	w.busy.Store(true)
	log.Logger.Info("worker started", zap.String("worker", w.name))

	for {
		w.now = time.Now()
		if w.runTasks() {
			w.shutdown(nil)
			w.state.Store(uint32(StateStopped))
			log.Logger.Info("worker stopped", zap.String("worker", w.name))
			return
		}

		var err error
		w.busy.Store(false)
		w.ready, err = w.poller.Wait(w.waitTimeout(), w.ready[:0])
		w.busy.Store(true)
		if err != nil {
			log.Logger.Error("poller wait failed, worker exits", zap.String("worker", w.name),
				zap.Int("conns", len(w.conns)), zap.Error(err))
			w.state.Store(uint32(StateDead))
			w.shutdown(err)
			return
		}

		w.now = time.Now()
		for _, ev := range w.ready {
			w.dispatch(ev)
		}
		w.reapIdle()
	}
}

func (w *Worker) dispatch(ev Readiness) {
	// connections closed earlier in this iteration are gone from the map
	c, ok := w.conns[ev.Fd]
	if !ok {
		return
	}
	if ev.readable() {
		c.handleRead()
		if c.closed.Load() {
			return
		}
	}
	if ev.writable() {
		c.handleWrite()
	}
}

// runTasks drains the queue and runs every task. It reports whether a stop
// request was among them.
func (w *Worker) runTasks() bool {
	w.taskBuf = w.tasks.drain(w.taskBuf[:0])
	for i := range w.taskBuf {
		t := w.taskBuf[i]
		w.taskBuf[i] = task{}
		switch {
		case t.conn != nil:
			w.register(t.conn, t.interest)
		case t.fn != nil:
			t.fn()
		}
	}
	return w.quit
}

func (w *Worker) register(c *conn, interest IOEvents) {
	if err := w.poller.Register(c.fd, interest); err != nil {
		c.closed.Store(true)
		if errors.Is(err, ErrAlreadyRegistered) {
			// someone else owns this fd, leave it alone
			log.Logger.DPanic("fd assigned twice", zap.String("worker", w.name), zap.Int("fd", c.fd))
			return
		}
		log.Logger.Error("register failed", zap.String("worker", w.name), zap.Int("fd", c.fd), zap.Error(err))
		_ = CloseFd(c.fd)
		return
	}

	c.interest = interest
	c.lastActive = w.now
	w.conns[c.fd] = c
	w.connCount.Inc()
	log.Logger.Debug("connection registered", zap.String("worker", w.name), zap.Int("fd", c.fd),
		zap.String("remote", c.remote))
	w.handler.OnOpen(c)
}

// forget drops c from the connection set. Called by conn.closeWith.
func (w *Worker) forget(c *conn) {
	if cur, ok := w.conns[c.fd]; ok && cur == c {
		delete(w.conns, c.fd)
		w.connCount.Dec()
	}
}

// shutdown closes the queue, every owned connection and the poller. Queued
// registrations were never registered, so their fds are simply closed.
func (w *Worker) shutdown(cause error) {
	w.stopping.Store(true)
	for _, t := range w.tasks.close() {
		if t.conn != nil && t.conn.closed.CompareAndSwap(false, true) {
			_ = CloseFd(t.conn.fd)
		}
	}
	for _, c := range w.conns {
		c.closeWith(cause)
	}
	if err := w.poller.Close(); err != nil {
		log.Logger.Warn("close poller", zap.String("worker", w.name), zap.Error(err))
	}
}

func (w *Worker) waitTimeout() time.Duration {
	if w.opts.IdleTimeout <= 0 {
		return -1
	}
	return w.opts.IdleTimeout / 2
}

// reapIdle closes connections that saw no traffic for IdleTimeout.
func (w *Worker) reapIdle() {
	idle := w.opts.IdleTimeout
	if idle <= 0 || w.now.Sub(w.lastReap) < idle/2 {
		return
	}
	w.lastReap = w.now
	for _, c := range w.conns {
		if w.now.Sub(c.lastActive) >= idle {
			log.Logger.Debug("closing idle connection", zap.String("worker", w.name), zap.Int("fd", c.fd))
			c.closeWith(nil)
		}
	}
}

// inLoop reports whether the caller runs on the worker's loop goroutine. The
// goroutine id lookup costs a runtime.Stack call, so callers are ruled out
// cheaply while the loop is parked.
func (w *Worker) inLoop() bool {
	if !w.busy.Load() {
		return false
	}
	id := w.goid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine's id out of its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
