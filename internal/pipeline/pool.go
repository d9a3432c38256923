// Package pipeline provides the bounded, partition-ordered worker pool
// every service dispatches its bus records into.
package pipeline

import (
	"hash/fnv"
	"sync"
	"time"
)

// Pool fans work out to a fixed set of single-goroutine queues. Tasks
// submitted with the same key land on the same queue, so per-key FIFO
// order holds while distinct keys run in parallel. Submit blocks when
// the chosen queue is full, pushing backpressure onto the fetch loop.
type Pool struct {
	queues []chan func()
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a pool of workers single-goroutine queues, each holding at
// most depth pending tasks.
func New(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool{queues: make([]chan func(), workers)}
	for i := range p.queues {
		q := make(chan func(), depth)
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range q {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues task on the queue owning key, blocking when that
// queue is full. Must not be called after Shutdown.
func (p *Pool) Submit(key string, task func()) {
	p.queues[p.queueIndex(key)] <- task
}

func (p *Pool) queueIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Shutdown closes the queues and waits up to timeout for in-flight
// work to drain. Returns false when the timeout elapsed first.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.once.Do(func() {
		for _, q := range p.queues {
			close(q)
		}
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
