package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/SelimCelen/dataflowhub/internal/store"
)

// DatabaseManagerInfo is a stored database manager configuration.
type DatabaseManagerInfo struct {
	ID            string         `json:"id" yaml:"-"`
	Name          string         `json:"name" yaml:"name"`
	ClsName       string         `json:"cls_name" yaml:"cls_name"`
	DBType        string         `json:"db_type" yaml:"db_type"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	SelectedDBIDs []string       `json:"selected_db_ids" yaml:"selected_db_ids"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
}

// DatabaseManagerUpdate carries the changeable fields. Nil fields are kept.
type DatabaseManagerUpdate struct {
	Name          *string        `json:"name"`
	Config        map[string]any `json:"config"`
	SelectedDBIDs []string       `json:"selected_db_ids"`
	Description   *string        `json:"description"`
}

type DatabaseManagerRegistry struct {
	docs *store.Collection[DatabaseManagerInfo]
	now  func() time.Time
}

func NewDatabaseManagerRegistry(path string) *DatabaseManagerRegistry {
	return &DatabaseManagerRegistry{
		docs: store.NewCollection[DatabaseManagerInfo](path, store.YAML, "managers"),
		now:  time.Now,
	}
}

func (r *DatabaseManagerRegistry) Create(info DatabaseManagerInfo) (DatabaseManagerInfo, error) {
	if info.Name == "" {
		return DatabaseManagerInfo{}, errors.New("manager name is required")
	}
	id, err := randomHex(8)
	if err != nil {
		return DatabaseManagerInfo{}, err
	}
	if info.ClsName == "" {
		info.ClsName = "DatabaseManager"
	}
	if info.DBType == "" {
		info.DBType = "sqlite"
	}
	if info.SelectedDBIDs == nil {
		info.SelectedDBIDs = []string{}
	}
	info.ID = id
	info.CreatedAt = r.now().UTC()
	err = r.docs.Mutate(func(items map[string]DatabaseManagerInfo) error {
		items[id] = info
		return nil
	})
	if err != nil {
		return DatabaseManagerInfo{}, err
	}
	return info, nil
}

func (r *DatabaseManagerRegistry) Get(id string) (DatabaseManagerInfo, error) {
	info, err := r.docs.Get(id)
	if err != nil {
		return DatabaseManagerInfo{}, err
	}
	info.ID = id
	return info, nil
}

// List returns all managers, oldest first.
func (r *DatabaseManagerRegistry) List() ([]DatabaseManagerInfo, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]DatabaseManagerInfo, 0, len(items))
	for id, info := range items {
		info.ID = id
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *DatabaseManagerRegistry) Update(id string, upd DatabaseManagerUpdate) (DatabaseManagerInfo, error) {
	var out DatabaseManagerInfo
	err := r.docs.Mutate(func(items map[string]DatabaseManagerInfo) error {
		info, ok := items[id]
		if !ok {
			return ErrNotFound
		}
		if upd.Name != nil {
			info.Name = *upd.Name
		}
		if upd.Config != nil {
			info.Config = upd.Config
		}
		if upd.SelectedDBIDs != nil {
			info.SelectedDBIDs = upd.SelectedDBIDs
		}
		if upd.Description != nil {
			info.Description = *upd.Description
		}
		items[id] = info
		out = info
		out.ID = id
		return nil
	})
	return out, err
}

func (r *DatabaseManagerRegistry) Delete(id string) error {
	return r.docs.Mutate(func(items map[string]DatabaseManagerInfo) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}
