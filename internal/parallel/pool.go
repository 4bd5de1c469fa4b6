package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool runs batches of workgroups on a fixed set of goroutines.
//
// Every worker owns a queue. Workgroups of a batch are dealt round-robin
// over the queues, and an idle worker steals from the others, so ragged
// edge workgroups and uneven kernels do not leave workers waiting.
//
// Pool is safe for concurrent use.
type Pool struct {
	workers int
	queues  []chan task
	done    chan struct{}
	wg      sync.WaitGroup

	// mu orders Run against Close: no task is queued after done closes.
	mu      sync.RWMutex
	running bool
}

// task is one workgroup of a batch.
type task struct {
	group Workgroup
	batch *Batch
}

// NewPool starts a pool with the given number of workers. If workers is
// 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	depth := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan task, workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, depth)
	}
	p.running = true

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]

	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case t := <-own:
			t.run()
			continue
		default:
		}

		if t, ok := p.steal(id); ok {
			t.run()
			continue
		}

		select {
		case <-p.done:
			p.drain(own)
			return
		case t := <-own:
			t.run()
		}
	}
}

// drain runs whatever is left in q.
func (p *Pool) drain(q chan task) {
	for {
		select {
		case t := <-q:
			t.run()
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) (task, bool) {
	for i := 1; i < p.workers; i++ {
		select {
		case t := <-p.queues[(id+i)%p.workers]:
			return t, true
		default:
		}
	}
	return task{}, false
}

// Batch tracks the workgroups queued by one Run call.
type Batch struct {
	fn      func(Workgroup) error
	wg      sync.WaitGroup
	skipped atomic.Int64

	errOnce sync.Once
	err     error
}

func (t task) run() {
	defer t.batch.wg.Done()
	if err := t.batch.fn(t.group); err != nil {
		t.batch.errOnce.Do(func() { t.batch.err = err })
	}
}

// Wait blocks until every workgroup of the batch has run or been skipped
// and returns the first error reported by fn.
func (b *Batch) Wait() error {
	b.wg.Wait()
	return b.err
}

// Skipped returns the number of workgroups dropped because the pool was
// closed when the batch was started.
func (b *Batch) Skipped() int {
	return int(b.skipped.Load())
}

// Run queues fn for every workgroup in groups and returns without waiting.
// On a closed pool every workgroup is counted as skipped, so Wait never
// blocks forever.
func (p *Pool) Run(groups []Workgroup, fn func(Workgroup) error) *Batch {
	b := &Batch{fn: fn}
	if len(groups) == 0 {
		return b
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		b.skipped.Add(int64(len(groups)))
		return b
	}

	b.wg.Add(len(groups))
	for i, g := range groups {
		p.queues[i%p.workers] <- task{group: g, batch: b}
	}
	return b
}

// Close stops accepting batches, runs what is already queued and stops the
// workers. Close is safe to call multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}
