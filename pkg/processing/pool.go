package processing

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of goroutines used for data-parallel stages.
//
// Every worker owns one queue and work submitted with ExecuteAll is routed by
// index, so a task always learns which worker runs it. Stages use that index
// to select per-worker scratch buffers (FFT plans, frequency buffers) without
// any locking.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), 4)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	queue := p.queues[id]
	for {
		select {
		case <-p.done:
			return
		case work := <-queue:
			work()
		}
	}
}

// ExecuteAll runs work[i] on worker i%Workers() and returns once every item
// has finished. This is the barrier that ends a stage.
func (p *WorkerPool) ExecuteAll(work []func(worker int)) {
	if len(work) == 0 {
		return
	}
	if !p.running.Load() {
		// closed pool: run inline so callers still see the stage complete
		for _, fn := range work {
			fn(0)
		}
		return
	}

	var barrier sync.WaitGroup
	barrier.Add(len(work))
	for i, fn := range work {
		id := i % p.workers
		fn := fn
		p.queues[id] <- func() {
			defer barrier.Done()
			fn(id)
		}
	}
	barrier.Wait()
}

// Close stops the workers. Close is idempotent.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// partition splits [0,n) into at most parts contiguous ranges of near-equal
// length. Empty ranges are omitted.
func partition(n, parts int) [][2]int {
	if parts <= 0 {
		parts = 1
	}
	ranges := make([][2]int, 0, parts)
	for i := 0; i < parts; i++ {
		lo := i * n / parts
		hi := (i + 1) * n / parts
		if hi > lo {
			ranges = append(ranges, [2]int{lo, hi})
		}
	}
	return ranges
}
