// Package scheduler runs pipeline executions in the background, either on
// an in-process worker pool or on workers fed from a Redis list.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

var (
	ErrClosed    = errors.New("scheduler is closed")
	ErrCancelled = errors.New("job cancelled before it started")
	ErrRunning   = errors.New("job is running; use force to cancel it")
)

type Job struct {
	ExecutionID string                `json:"execution_id"`
	Config      models.PipelineConfig `json:"config"`
}

// Runner executes one job. It must honour ctx cancellation.
type Runner func(ctx context.Context, job Job) *models.ExecutionRecord

// Future tracks a submitted job.
type Future interface {
	ID() string
	Done() <-chan struct{}
	// Cancel drops a queued job. A running job is only interrupted when
	// force is set.
	Cancel(force bool) error
	// Result blocks until the job is done.
	Result() (*models.ExecutionRecord, error)
}

type Scheduler interface {
	Submit(ctx context.Context, job Job) (Future, error)
	Close() error
}

// result is the shared completion half of the futures.
type result struct {
	id   string
	done chan struct{}
	once sync.Once
	rec  *models.ExecutionRecord
	err  error
}

func newResult(id string) *result {
	return &result{id: id, done: make(chan struct{})}
}

func (r *result) ID() string            { return r.id }
func (r *result) Done() <-chan struct{} { return r.done }

func (r *result) Result() (*models.ExecutionRecord, error) {
	<-r.done
	return r.rec, r.err
}

func (r *result) resolve(rec *models.ExecutionRecord, err error) {
	r.once.Do(func() {
		r.rec, r.err = rec, err
		close(r.done)
	})
}

func (r *result) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
