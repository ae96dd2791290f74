package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

// TaskRegistry tracks the lifecycle of submitted tasks in a JSON document
// {tasks: {id: TaskRecord}}.
type TaskRegistry struct {
	docs *store.Collection[models.TaskRecord]
	now  func() time.Time
}

func NewTaskRegistry(path string) *TaskRegistry {
	return &TaskRegistry{
		docs: store.NewCollection[models.TaskRecord](path, store.JSON, "tasks"),
		now:  time.Now,
	}
}

// Create stores t as a new pending task and returns it with its id.
func (r *TaskRegistry) Create(t models.TaskRecord) (models.TaskRecord, error) {
	t.ID = uuid.NewString()
	t.Status = models.TaskPending
	t.CreatedAt = r.now().UTC()
	t.StartedAt = nil
	t.FinishedAt = nil
	t.OutputID = nil
	t.ErrorMessage = nil
	if t.Meta == nil {
		t.Meta = map[string]any{}
	}
	err := r.docs.Mutate(func(items map[string]models.TaskRecord) error {
		items[t.ID] = t
		return nil
	})
	if err != nil {
		return models.TaskRecord{}, err
	}
	return t, nil
}

func (r *TaskRegistry) Get(id string) (models.TaskRecord, error) {
	return r.docs.Get(id)
}

// List returns tasks newest first, optionally filtered.
func (r *TaskRegistry) List(status models.TaskStatus, executorType models.ExecutorType) ([]models.TaskRecord, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]models.TaskRecord, 0, len(items))
	for _, t := range items {
		if status != "" && t.Status != status {
			continue
		}
		if executorType != "" && t.ExecutorType != executorType {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update applies the non-nil fields of upd. started_at is stamped the first
// time the task runs and finished_at the first time it ends.
func (r *TaskRegistry) Update(id string, upd models.TaskUpdate) (models.TaskRecord, error) {
	return r.mutate(id, func(t *models.TaskRecord) error {
		applyTaskUpdate(t, upd, r.now().UTC())
		return nil
	})
}

func applyTaskUpdate(t *models.TaskRecord, upd models.TaskUpdate, now time.Time) {
	if upd.DatasetID != nil {
		t.DatasetID = *upd.DatasetID
	}
	if upd.ExecutorName != nil {
		t.ExecutorName = *upd.ExecutorName
	}
	if upd.OutputID != nil {
		t.OutputID = upd.OutputID
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = upd.ErrorMessage
	}
	if upd.Meta != nil {
		t.Meta = upd.Meta
	}
	if upd.Status == nil {
		return
	}
	t.Status = *upd.Status
	if t.Status == models.TaskRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if t.Status.Terminal() && t.FinishedAt == nil {
		t.FinishedAt = &now
	}
}

func (r *TaskRegistry) Delete(id string) error {
	return r.docs.Mutate(func(items map[string]models.TaskRecord) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}

func (r *TaskRegistry) Statistics() (models.TaskStatistics, error) {
	tasks, err := r.List("", "")
	if err != nil {
		return models.TaskStatistics{}, err
	}
	stats := models.TaskStatistics{
		Total: len(tasks),
		ByExecutorType: map[models.ExecutorType]int{
			models.ExecutorOperator: 0,
			models.ExecutorPipeline: 0,
		},
	}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskPending, "":
			stats.Pending++
		case models.TaskRunning:
			stats.Running++
		case models.TaskSuccess:
			stats.Success++
		case models.TaskFailed:
			stats.Failed++
		case models.TaskCancelled:
			stats.Cancelled++
		}
		if _, ok := stats.ByExecutorType[t.ExecutorType]; ok {
			stats.ByExecutorType[t.ExecutorType]++
		}
	}
	return stats, nil
}

func (r *TaskRegistry) Start(id string) (models.TaskRecord, error) {
	return r.transition(id, models.TaskRunning, models.TaskUpdate{}, models.TaskPending)
}

func (r *TaskRegistry) Complete(id, outputID string) (models.TaskRecord, error) {
	upd := models.TaskUpdate{}
	if outputID != "" {
		upd.OutputID = &outputID
	}
	return r.transition(id, models.TaskSuccess, upd, models.TaskPending, models.TaskRunning)
}

func (r *TaskRegistry) Fail(id, msg string) (models.TaskRecord, error) {
	return r.transition(id, models.TaskFailed, models.TaskUpdate{ErrorMessage: &msg}, models.TaskPending, models.TaskRunning)
}

func (r *TaskRegistry) Cancel(id string) (models.TaskRecord, error) {
	return r.transition(id, models.TaskCancelled, models.TaskUpdate{}, models.TaskPending, models.TaskRunning)
}

func (r *TaskRegistry) transition(id string, to models.TaskStatus, upd models.TaskUpdate, from ...models.TaskStatus) (models.TaskRecord, error) {
	return r.mutate(id, func(t *models.TaskRecord) error {
		allowed := false
		for _, s := range from {
			if t.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
		}
		upd.Status = &to
		applyTaskUpdate(t, upd, r.now().UTC())
		return nil
	})
}

func (r *TaskRegistry) mutate(id string, fn func(*models.TaskRecord) error) (models.TaskRecord, error) {
	var out models.TaskRecord
	err := r.docs.Mutate(func(items map[string]models.TaskRecord) error {
		t, ok := items[id]
		if !ok {
			return ErrNotFound
		}
		if err := fn(&t); err != nil {
			return err
		}
		items[id] = t
		out = t
		return nil
	})
	return out, err
}
