package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

type item struct {
	Name string `json:"name" yaml:"name"`
	N    int    `json:"n" yaml:"n"`
}

func TestCollectionRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		root   string
	}{
		{"json rooted", JSON, "items"},
		{"yaml rooted", YAML, "items"},
		{"yaml top level", YAML, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCollection[item](filepath.Join(t.TempDir(), "doc"), tc.format, tc.root)

			items, err := c.Load()
			require.NoError(t, err)
			assert.Empty(t, items)

			require.NoError(t, c.Mutate(func(m map[string]item) error {
				m["a"] = item{Name: "alpha", N: 1}
				return nil
			}))
			got, err := c.Get("a")
			require.NoError(t, err)
			assert.Equal(t, item{Name: "alpha", N: 1}, got)

			_, err = c.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCollectionMutateErrorLeavesFile(t *testing.T) {
	c := NewCollection[item](filepath.Join(t.TempDir(), "doc.json"), JSON, "items")
	require.NoError(t, c.Mutate(func(m map[string]item) error {
		m["a"] = item{Name: "alpha"}
		return nil
	}))
	boom := errors.New("boom")
	err := c.Mutate(func(m map[string]item) error {
		delete(m, "a")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = c.Get("a")
	assert.NoError(t, err)
}

func TestCollectionReadsAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"executions":{"x":{"name":"old","n":2}}}`), 0o644))
	c := NewCollection[item](path, JSON, "tasks", "executions")
	got, err := c.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Name)

	require.NoError(t, c.Mutate(func(map[string]item) error { return nil }))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tasks"`)
	assert.NotContains(t, string(data), `"executions"`)
}

func TestCollectionConcurrentMutations(t *testing.T) {
	c := NewCollection[item](filepath.Join(t.TempDir(), "doc.json"), JSON, "items")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Mutate(func(m map[string]item) error {
				cur := m["counter"]
				cur.N++
				m["counter"] = cur
				return nil
			})
		}()
	}
	wg.Wait()
	got, err := c.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, 20, got.N)
}

func testRecordStore(t *testing.T, s RecordStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := models.NewExecutionRecord("exec-1", "pipe-1", models.PipelineConfig{}, now)
	require.NoError(t, s.Create(ctx, rec))
	assert.Error(t, s.Create(ctx, rec))

	updated, err := s.Update(ctx, "exec-1", func(r *models.ExecutionRecord) error {
		r.Status = models.ExecutionRunning
		r.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	_, err = s.Update(ctx, "exec-1", func(r *models.ExecutionRecord) error {
		r.Status = models.ExecutionCancelled
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "exec-1", func(r *models.ExecutionRecord) error {
		r.Status = models.ExecutionCompleted
		return nil
	})
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = s.Update(ctx, "exec-1", func(r *models.ExecutionRecord) error {
		r.Logs = append(r.Logs, "late")
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, got.Status)
	assert.Equal(t, "late", got.Logs[len(got.Logs)-1])

	later := now.Add(time.Hour)
	rec2 := models.NewExecutionRecord("exec-2", "", models.PipelineConfig{}, now)
	rec2.StartedAt = &later
	require.NoError(t, s.Create(ctx, rec2))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exec-2", list[0].TaskID)

	require.NoError(t, s.Delete(ctx, "exec-2"))
	assert.ErrorIs(t, s.Delete(ctx, "exec-2"), ErrNotFound)
	_, err = s.Get(ctx, "exec-2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, "exec-2", func(*models.ExecutionRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentStore(t *testing.T) {
	testRecordStore(t, NewDocumentStore(filepath.Join(t.TempDir(), "executions.json")))
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	db := client.Database("dataflowhub_test_" + time.Now().Format("150405"))
	defer db.Drop(ctx)
	s := NewMongoStore(db)
	require.NoError(t, s.EnsureIndexes(ctx))
	testRecordStore(t, s)
}
