package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// workerPool runs signal tasks on a fixed set of goroutines.
type workerPool struct {
	workers    int
	tasks      chan func(context.Context)
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	running    atomic.Bool
	tasksTotal atomic.Uint64
	tasksDone  atomic.Uint64
}

func newWorkerPool(workers, queue int) *workerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = workers * 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		workers: workers,
		tasks:   make(chan func(context.Context), queue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *workerPool) start() {
	if p.running.Swap(true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task(p.ctx)
			p.tasksDone.Add(1)
		}
	}
}

// submit queues task, blocking while the queue is full. It returns false
// when the pool is stopped or ctx ends first.
func (p *workerPool) submit(ctx context.Context, task func(context.Context)) bool {
	if !p.running.Load() {
		return false
	}
	select {
	case p.tasks <- task:
		p.tasksTotal.Add(1)
		return true
	case <-ctx.Done():
		return false
	case <-p.ctx.Done():
		return false
	}
}

// stop cancels running tasks' context and waits for the workers.
func (p *workerPool) stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *workerPool) stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		Running:    p.running.Load(),
		TasksTotal: p.tasksTotal.Load(),
		TasksDone:  p.tasksDone.Load(),
		QueueLen:   len(p.tasks),
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Workers    int
	Running    bool
	TasksTotal uint64
	TasksDone  uint64
	QueueLen   int
}

// tickShards applies price updates on one goroutine per shard. A symbol
// always hashes to the same shard, so its ticks are applied in arrival
// order while other symbols proceed in parallel.
type tickShards struct {
	queues []chan func()
	wg     sync.WaitGroup
}

func newTickShards(n, queue int) *tickShards {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = 1024
	}
	s := &tickShards{queues: make([]chan func(), n)}
	for i := range s.queues {
		s.queues[i] = make(chan func(), queue)
	}
	return s
}

func (s *tickShards) shard(symbol string) int {
	return int(xxhash.Sum64String(symbol) % uint64(len(s.queues)))
}

func (s *tickShards) start(ctx context.Context) {
	for _, q := range s.queues {
		s.wg.Add(1)
		go func(q chan func()) {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn := <-q:
					fn()
				}
			}
		}(q)
	}
}

// dispatch queues fn on symbol's shard, blocking while it is full.
func (s *tickShards) dispatch(ctx context.Context, symbol string, fn func()) bool {
	select {
	case s.queues[s.shard(symbol)] <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *tickShards) wait() {
	s.wg.Wait()
}
