//go:build linux
// +build linux

package node

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 1000

	tq := newTaskQueue()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, tq.push(task{interest: IOEvents(p<<16 | i)}))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var got []task
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		got = tq.drain(got)
	}
	require.Len(t, got, producers*perProducer)
	assert.Equal(t, 0, tq.len())

	// each producer's tasks come out in the order it pushed them
	next := make(map[int]int)
	for _, tk := range got {
		p, i := int(tk.interest>>16), int(tk.interest&0xffff)
		assert.Equal(t, next[p], i, "producer %d", p)
		next[p] = i + 1
	}
}

func TestTaskQueueFIFO(t *testing.T) {
	tq := newTaskQueue()
	for i := 0; i < 10; i++ {
		tq.push(task{interest: IOEvents(i)})
	}
	got := tq.drain(nil)
	require.Len(t, got, 10)
	for i, tk := range got {
		assert.Equal(t, IOEvents(i), tk.interest)
	}
	assert.Empty(t, tq.drain(nil))
}

func TestTaskQueueClose(t *testing.T) {
	tq := newTaskQueue()
	tq.push(task{interest: EventRead})
	tq.push(task{interest: EventWrite})

	left := tq.close()
	assert.Len(t, left, 2)
	assert.False(t, tq.push(task{}))
	assert.Empty(t, tq.close())
}
