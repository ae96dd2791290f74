package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/metrics"
)

// LocalPool runs jobs in FIFO order on a fixed number of goroutines that
// start on the first Submit.
type LocalPool struct {
	run         Runner
	concurrency int
	metrics     *metrics.Recorder
	log         *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*localJob
	running map[string]*localJob
	closed  bool
	started bool
	wg      sync.WaitGroup
}

type localJob struct {
	*result
	pool   *LocalPool
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

func NewLocalPool(run Runner, concurrency int, m *metrics.Recorder, log *zap.Logger) *LocalPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	p := &LocalPool{
		run:         run,
		concurrency: concurrency,
		metrics:     m,
		log:         log.Named("scheduler"),
		running:     map[string]*localJob{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *LocalPool) Submit(_ context.Context, job Job) (Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if !p.started {
		p.started = true
		for i := 0; i < p.concurrency; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.log.Info("worker pool started", zap.Int("workers", p.concurrency))
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &localJob{result: newResult(job.ExecutionID), pool: p, job: job, ctx: ctx, cancel: cancel}
	p.queue = append(p.queue, j)
	p.metrics.QueueDepth(len(p.queue))
	p.cond.Signal()
	return j, nil
}

func (p *LocalPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.running[j.id] = j
		p.metrics.QueueDepth(len(p.queue))
		p.mu.Unlock()

		p.execute(j)

		p.mu.Lock()
		delete(p.running, j.id)
		p.mu.Unlock()
	}
}

func (p *LocalPool) execute(j *localJob) {
	p.metrics.JobStarted()
	defer p.metrics.JobFinished()
	defer j.cancel()
	defer func() {
		if v := recover(); v != nil {
			p.log.Error("job panicked", zap.String("execution_id", j.id), zap.Any("panic", v))
			j.resolve(nil, fmt.Errorf("job panicked: %v", v))
		}
	}()
	if j.ctx.Err() != nil {
		j.resolve(nil, ErrCancelled)
		return
	}
	rec := p.run(j.ctx, j.job)
	j.resolve(rec, nil)
}

// Cancel removes a queued job or, with force, interrupts a running one.
func (j *localJob) Cancel(force bool) error {
	p := j.pool
	p.mu.Lock()
	for i, q := range p.queue {
		if q == j {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.metrics.QueueDepth(len(p.queue))
			p.mu.Unlock()
			j.cancel()
			j.resolve(nil, ErrCancelled)
			return nil
		}
	}
	_, running := p.running[j.id]
	p.mu.Unlock()

	if !running || j.resolved() {
		return nil
	}
	if !force {
		return ErrRunning
	}
	j.cancel()
	return nil
}

// Close stops accepting jobs, drops the queued ones, interrupts running
// jobs and waits for the workers to exit.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	for _, j := range p.running {
		j.cancel()
	}
	p.metrics.QueueDepth(0)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, j := range queued {
		j.cancel()
		j.resolve(nil, ErrCancelled)
	}
	p.wg.Wait()
	return nil
}
