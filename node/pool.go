//go:build linux
// +build linux

package node

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// WorkerPool is a fixed set of workers handed out in strict round robin.
type WorkerPool struct {
	workers []*Worker
	counter atomic.Uint64
}

func NewWorkerPool(size int, handler Handler, opts Options) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}

	p := &WorkerPool{workers: make([]*Worker, 0, size)}
	for i := 0; i < size; i++ {
		w, err := NewWorker(i, handler, opts)
		if err != nil {
			p.Stop()
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Next returns workers[counter++ % size]. Dead workers are not skipped.
func (p *WorkerPool) Next() *Worker {
	n := p.counter.Inc() - 1
	return p.workers[n%uint64(len(p.workers))]
}

func (p *WorkerPool) Workers() []*Worker {
	return p.workers
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// Alive counts the workers whose poller has not failed.
func (p *WorkerPool) Alive() int {
	n := 0
	for _, w := range p.workers {
		if w.State() != StateDead {
			n++
		}
	}
	return n
}

// Stop stops every worker concurrently and waits for all of them.
func (p *WorkerPool) Stop() {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
