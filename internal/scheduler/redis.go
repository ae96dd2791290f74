package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/metrics"
	"github.com/SelimCelen/dataflowhub/internal/models"
)

const (
	DefaultRedisPrefix = "dataflowhub"

	resultTTL   = 24 * time.Hour
	popTimeout  = 2 * time.Second
	pollBackoff = time.Second
)

// RedisQueue pushes jobs onto {prefix}:jobs and runs them on workers that
// BRPOP from it. Workers can live in any process sharing the Redis
// instance. Cancel requests go out on {prefix}:cancel, completions on
// {prefix}:done, and final records are kept at {prefix}:result:{id}.
type RedisQueue struct {
	client      *redis.Client
	prefix      string
	run         Runner
	concurrency int
	metrics     *metrics.Recorder
	log         *zap.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	pubsub *redis.PubSub

	mu      sync.Mutex
	pending map[string]*redisFuture
	running map[string]context.CancelFunc
	closed  bool
}

type redisFuture struct {
	*result
	q       *RedisQueue
	payload []byte
}

type RedisOptions struct {
	Prefix      string
	Concurrency int
	// Workers disables local workers when false, leaving the queue to
	// other processes.
	Workers bool
}

func NewRedisQueue(client *redis.Client, opts RedisOptions, run Runner, m *metrics.Recorder, log *zap.Logger) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if !opts.Workers {
		opts.Concurrency = 0
	}
	ctx, stop := context.WithCancel(context.Background())
	return &RedisQueue{
		client:      client,
		prefix:      opts.Prefix,
		run:         run,
		concurrency: opts.Concurrency,
		metrics:     m,
		log:         log.Named("scheduler.redis"),
		ctx:         ctx,
		stop:        stop,
		pending:     map[string]*redisFuture{},
		running:     map[string]context.CancelFunc{},
	}
}

func (q *RedisQueue) jobsKey() string           { return q.prefix + ":jobs" }
func (q *RedisQueue) cancelChannel() string     { return q.prefix + ":cancel" }
func (q *RedisQueue) doneChannel() string       { return q.prefix + ":done" }
func (q *RedisQueue) resultKey(id string) string { return q.prefix + ":result:" + id }

// start subscribes to the control channels and launches the workers.
func (q *RedisQueue) start() {
	q.once.Do(func() {
		q.pubsub = q.client.Subscribe(q.ctx, q.cancelChannel(), q.doneChannel())
		q.wg.Add(1)
		go q.listen()
		for i := 0; i < q.concurrency; i++ {
			q.wg.Add(1)
			go q.worker()
		}
		q.log.Info("redis queue started", zap.String("prefix", q.prefix), zap.Int("workers", q.concurrency))
	})
}

func (q *RedisQueue) Submit(ctx context.Context, job Job) (Future, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	q.start()

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	f := &redisFuture{result: newResult(job.ExecutionID), q: q, payload: payload}
	q.mu.Lock()
	q.pending[job.ExecutionID] = f
	q.mu.Unlock()

	if err := q.client.LPush(ctx, q.jobsKey(), payload).Err(); err != nil {
		q.forget(job.ExecutionID)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if n, err := q.client.LLen(ctx, q.jobsKey()).Result(); err == nil {
		q.metrics.QueueDepth(int(n))
	}
	return f, nil
}

func (q *RedisQueue) forget(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *RedisQueue) worker() {
	defer q.wg.Done()
	for {
		res, err := q.client.BRPop(q.ctx, popTimeout, q.jobsKey()).Result()
		switch {
		case q.ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			q.log.Warn("pop job", zap.Error(err))
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error("decode job", zap.Error(err))
			continue
		}
		q.execute(job)
	}
}

func (q *RedisQueue) execute(job Job) {
	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	q.mu.Lock()
	q.running[job.ExecutionID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, job.ExecutionID)
		q.mu.Unlock()
	}()

	q.metrics.JobStarted()
	defer q.metrics.JobFinished()

	rec := func() (rec *models.ExecutionRecord) {
		defer func() {
			if v := recover(); v != nil {
				q.log.Error("job panicked", zap.String("execution_id", job.ExecutionID), zap.Any("panic", v))
			}
		}()
		return q.run(ctx, job)
	}()

	bg := context.Background()
	if rec != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			err = q.client.Set(bg, q.resultKey(job.ExecutionID), data, resultTTL).Err()
		}
		if err != nil {
			q.log.Warn("store job result", zap.String("execution_id", job.ExecutionID), zap.Error(err))
		}
	}
	if err := q.client.Publish(bg, q.doneChannel(), job.ExecutionID).Err(); err != nil {
		q.log.Warn("publish job done", zap.String("execution_id", job.ExecutionID), zap.Error(err))
	}
}

// listen handles cancel and done notifications from every process.
func (q *RedisQueue) listen() {
	defer q.wg.Done()
	ch := q.pubsub.Channel()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case q.cancelChannel():
				q.mu.Lock()
				cancel := q.running[msg.Payload]
				q.mu.Unlock()
				if cancel != nil {
					q.log.Info("cancelling job", zap.String("execution_id", msg.Payload))
					cancel()
				}
			case q.doneChannel():
				q.complete(msg.Payload)
			}
		}
	}
}

func (q *RedisQueue) complete(id string) {
	q.mu.Lock()
	f := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()
	if f == nil {
		return
	}
	rec, err := q.Lookup(context.Background(), id)
	f.resolve(rec, err)
}

// Lookup returns the stored final record of a job.
func (q *RedisQueue) Lookup(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	data, err := q.client.Get(ctx, q.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no result for job %s", id)
	}
	if err != nil {
		return nil, err
	}
	var rec models.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &rec, nil
}

// Cancel removes the job from the list when it has not been picked up yet;
// otherwise, with force, it asks whichever worker runs it to stop.
func (f *redisFuture) Cancel(force bool) error {
	q := f.q
	ctx := context.Background()
	removed, err := q.client.LRem(ctx, q.jobsKey(), 1, f.payload).Result()
	if err != nil {
		return fmt.Errorf("remove queued job: %w", err)
	}
	if removed > 0 {
		q.forget(f.id)
		f.resolve(nil, ErrCancelled)
		return nil
	}
	if f.resolved() {
		return nil
	}
	if !force {
		return ErrRunning
	}
	return q.client.Publish(ctx, q.cancelChannel(), f.id).Err()
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = map[string]*redisFuture{}
	q.mu.Unlock()

	q.stop()
	var err error
	if q.pubsub != nil {
		err = q.pubsub.Close()
	}
	q.wg.Wait()
	for _, f := range pending {
		f.resolve(nil, ErrClosed)
	}
	return err
}
