package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

// RecordStore persists execution records.
type RecordStore interface {
	Create(ctx context.Context, rec *models.ExecutionRecord) error
	Get(ctx context.Context, id string) (*models.ExecutionRecord, error)
	List(ctx context.Context) ([]*models.ExecutionRecord, error)
	// Update applies fn to a copy of the record and persists the result.
	// A terminal record may only be rewritten with its status unchanged.
	Update(ctx context.Context, id string, fn func(*models.ExecutionRecord) error) (*models.ExecutionRecord, error)
	Delete(ctx context.Context, id string) error
}

func applyUpdate(current *models.ExecutionRecord, fn func(*models.ExecutionRecord) error) (*models.ExecutionRecord, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if current.Status.Terminal() && next.Status != current.Status {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTerminal, current.Status, next.Status)
	}
	if !models.CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("invalid status transition %s -> %s", current.Status, next.Status)
	}
	next.TaskID = current.TaskID
	next.Version = current.Version + 1
	return next, nil
}

// SortByStartedDesc orders records newest first. Records that never started
// go last.
func SortByStartedDesc(recs []*models.ExecutionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].StartedAt, recs[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}

// DocumentStore keeps all execution records in one JSON document. Reads
// accept the {tasks: {...}} and {executions: {...}} shapes; writes use
// {tasks: {...}}.
type DocumentStore struct {
	docs *Collection[*models.ExecutionRecord]
}

func NewDocumentStore(path string) *DocumentStore {
	return &DocumentStore{docs: NewCollection[*models.ExecutionRecord](path, JSON, "tasks", "executions")}
}

func (s *DocumentStore) Create(_ context.Context, rec *models.ExecutionRecord) error {
	return s.docs.Mutate(func(items map[string]*models.ExecutionRecord) error {
		if _, ok := items[rec.TaskID]; ok {
			return fmt.Errorf("execution %s already exists", rec.TaskID)
		}
		items[rec.TaskID] = rec.Clone()
		return nil
	})
}

func (s *DocumentStore) Get(_ context.Context, id string) (*models.ExecutionRecord, error) {
	rec, err := s.docs.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *DocumentStore) List(_ context.Context) ([]*models.ExecutionRecord, error) {
	items, err := s.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*models.ExecutionRecord, 0, len(items))
	for _, rec := range items {
		if rec != nil {
			out = append(out, rec)
		}
	}
	SortByStartedDesc(out)
	return out, nil
}

func (s *DocumentStore) Update(_ context.Context, id string, fn func(*models.ExecutionRecord) error) (*models.ExecutionRecord, error) {
	var updated *models.ExecutionRecord
	err := s.docs.Mutate(func(items map[string]*models.ExecutionRecord) error {
		current, ok := items[id]
		if !ok || current == nil {
			return ErrNotFound
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		items[id] = next
		updated = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *DocumentStore) Delete(_ context.Context, id string) error {
	return s.docs.Mutate(func(items map[string]*models.ExecutionRecord) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}
