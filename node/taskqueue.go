//go:build linux
// +build linux

package node

import (
	"sync"

	"github.com/eapache/queue"
)

// task is a unit of work handed to a worker from another goroutine. A
// registration task carries conn and its initial interest; anything else is fn.
type task struct {
	conn     *conn
	interest IOEvents
	fn       func()
}

// taskQueue is a multi-producer, single-consumer FIFO. Producers push from any
// goroutine; only the owning worker drains it.
type taskQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{q: queue.New()}
}

// push reports false once the queue is closed; the task was not accepted.
func (tq *taskQueue) push(t task) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if tq.closed {
		return false
	}
	tq.q.Add(t)
	return true
}

// drain pops every queued task in FIFO order and appends them to buf.
func (tq *taskQueue) drain(buf []task) []task {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	for tq.q.Length() > 0 {
		buf = append(buf, tq.q.Remove().(task))
	}
	return buf
}

// close rejects further pushes and returns whatever was still queued.
func (tq *taskQueue) close() []task {
	tq.mu.Lock()
	tq.closed = true
	tq.mu.Unlock()
	return tq.drain(nil)
}

func (tq *taskQueue) len() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.q.Length()
}
