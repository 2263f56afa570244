package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDeathGrace is how long the pool waits after a worker death before
// terminating the process, giving the supervisor logs time to flush.
const DefaultDeathGrace = 2 * time.Second

// WorkerPicker selects a worker for new router placement.
type WorkerPicker interface {
	Next() Worker
}

// WorkerFactory creates worker number i.
type WorkerFactory func(ctx context.Context, i int) (Worker, error)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// DeathGrace overrides DefaultDeathGrace.
	DeathGrace time.Duration

	// Exit replaces os.Exit, for tests.
	Exit func(code int)
}

// Pool owns the long-lived media workers. Workers carry non-reconstructible
// RTP state, so a dead worker is fatal: the pool schedules a process exit
// and leaves the restart to the supervisor.
type Pool struct {
	workers []Worker
	next    uint32

	grace time.Duration
	exit  func(int)

	mu     sync.Mutex
	closed bool
}

// NewPool creates n workers and starts watching each for death.
// On any failure, workers already created are closed.
func NewPool(ctx context.Context, n int, factory WorkerFactory, opts PoolOptions) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", n)
	}

	grace := opts.DeathGrace
	if grace <= 0 {
		grace = DefaultDeathGrace
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}

	p := &Pool{grace: grace, exit: exit}

	for i := 0; i < n; i++ {
		w, err := factory(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		go p.watch(w)
	}

	return p, nil
}

// Next returns the next worker, round-robin.
func (p *Pool) Next() Worker {
	n := atomic.AddUint32(&p.next, 1)
	return p.workers[int(n-1)%len(p.workers)]
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Close closes all workers. It does not trigger the death path.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, w := range p.workers {
		w.Close()
	}
}

func (p *Pool) watch(w Worker) {
	err, ok := <-w.Died()
	if !ok {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	slog.Error("media worker died, exiting",
		slog.String("worker_id", w.ID()),
		slog.Any("error", err),
		slog.Duration("grace", p.grace))

	exit := p.exit
	time.AfterFunc(p.grace, func() { exit(1) })
}
