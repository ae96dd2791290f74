package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

func completed(job Job) *models.ExecutionRecord {
	return &models.ExecutionRecord{TaskID: job.ExecutionID, Status: models.ExecutionCompleted}
}

func wait(t *testing.T, f Future) (*models.ExecutionRecord, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", f.ID())
	}
	return f.Result()
}

func TestLocalPoolRunsJobsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	p := NewLocalPool(func(_ context.Context, job Job) *models.ExecutionRecord {
		mu.Lock()
		order = append(order, job.ExecutionID)
		mu.Unlock()
		return completed(job)
	}, 1, nil, zap.NewNop())
	defer p.Close()

	assert.False(t, p.started)
	var futures []Future
	for i := 0; i < 5; i++ {
		f, err := p.Submit(context.Background(), Job{ExecutionID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	assert.True(t, p.started)
	for _, f := range futures {
		rec, err := wait(t, f)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, rec.Status)
	}
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}, order)
}

func TestLocalPoolCancel(t *testing.T) {
	started := make(chan struct{})
	var ran []string
	p := NewLocalPool(func(ctx context.Context, job Job) *models.ExecutionRecord {
		ran = append(ran, job.ExecutionID)
		if job.ExecutionID == "blocker" {
			close(started)
			<-ctx.Done()
			return &models.ExecutionRecord{TaskID: job.ExecutionID, Status: models.ExecutionCancelled}
		}
		return completed(job)
	}, 1, nil, zap.NewNop())
	defer p.Close()

	blocker, err := p.Submit(context.Background(), Job{ExecutionID: "blocker"})
	require.NoError(t, err)
	queued, err := p.Submit(context.Background(), Job{ExecutionID: "queued"})
	require.NoError(t, err)
	<-started

	require.NoError(t, queued.Cancel(false))
	_, err = wait(t, queued)
	assert.ErrorIs(t, err, ErrCancelled)

	assert.ErrorIs(t, blocker.Cancel(false), ErrRunning)
	require.NoError(t, blocker.Cancel(true))
	rec, err := wait(t, blocker)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, rec.Status)
	assert.Equal(t, []string{"blocker"}, ran)
}

func TestLocalPoolRecoversPanic(t *testing.T) {
	p := NewLocalPool(func(context.Context, Job) *models.ExecutionRecord {
		panic("boom")
	}, 2, nil, zap.NewNop())
	defer p.Close()

	f, err := p.Submit(context.Background(), Job{ExecutionID: "x"})
	require.NoError(t, err)
	_, err = wait(t, f)
	assert.ErrorContains(t, err, "boom")
}

func TestLocalPoolClose(t *testing.T) {
	p := NewLocalPool(func(_ context.Context, job Job) *models.ExecutionRecord { return completed(job) }, 1, nil, zap.NewNop())
	require.NoError(t, p.Close())
	_, err := p.Submit(context.Background(), Job{ExecutionID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, p.Close())
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	prefix := fmt.Sprintf("dataflowhub-test-%d", time.Now().UnixNano())

	q := NewRedisQueue(client, RedisOptions{Prefix: prefix, Concurrency: 1, Workers: true},
		func(ctx context.Context, job Job) *models.ExecutionRecord {
			if job.ExecutionID == "slow" {
				<-ctx.Done()
				return &models.ExecutionRecord{TaskID: job.ExecutionID, Status: models.ExecutionCancelled}
			}
			return completed(job)
		}, nil, zap.NewNop())
	defer q.Close()

	f, err := q.Submit(context.Background(), Job{ExecutionID: "fast"})
	require.NoError(t, err)
	rec, err := wait(t, f)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)

	slow, err := q.Submit(context.Background(), Job{ExecutionID: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.running["slow"] != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, slow.Cancel(true))
	rec, err = wait(t, slow)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, rec.Status)
}
