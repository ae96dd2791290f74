// Package pipeline stores pipeline definitions, keeps file-derived presets
// in sync with their source files and fills in operator parameters.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/analyzer"
	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrOperatorRenamed = errors.New("operator at this position cannot be renamed")
)

const statusQueued = "queued"

// Input is the caller-provided part of a pipeline definition.
type Input struct {
	Name   string                `json:"name"`
	Tags   []string              `json:"tags"`
	Config models.PipelineConfig `json:"config"`
}

type Options struct {
	// Path of the JSON document holding {pipelines: {...}}.
	Path string
	// Dir holds the *.js pipeline files materialized as presets.
	Dir string
	// DataRoot is the base that dataset paths are relative to.
	DataRoot string
	Allow    *AllowList
}

type Registry struct {
	docs     *store.Collection[*models.PipelineDefinition]
	dir      string
	dataRoot string
	allow    *AllowList
	ops      OperatorSource
	datasets DatasetSource
	log      *zap.Logger
	now      func() time.Time
}

func NewRegistry(opts Options, ops OperatorSource, datasets DatasetSource, log *zap.Logger) *Registry {
	return &Registry{
		docs:     store.NewCollection[*models.PipelineDefinition](opts.Path, store.JSON, "pipelines"),
		dir:      opts.Dir,
		dataRoot: opts.DataRoot,
		allow:    opts.Allow,
		ops:      ops,
		datasets: datasets,
		log:      log.Named("pipelines"),
		now:      time.Now,
	}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) visible(p *models.PipelineDefinition) bool {
	if !p.HasTag(models.TagPreset) {
		return true
	}
	return r.allow.Allowed(p.Config.FilePath)
}

// List syncs presets and returns the visible pipelines, newest first.
func (r *Registry) List() ([]*models.PipelineDefinition, error) {
	if err := r.Sync(); err != nil {
		r.log.Warn("preset sync failed", zap.Error(err))
	}
	return r.list(func(p *models.PipelineDefinition) bool { return true })
}

// ListTemplates returns the visible pipelines tagged as templates.
func (r *Registry) ListTemplates() ([]*models.PipelineDefinition, error) {
	if err := r.Sync(); err != nil {
		r.log.Warn("preset sync failed", zap.Error(err))
	}
	return r.list(func(p *models.PipelineDefinition) bool { return p.IsTemplate() })
}

func (r *Registry) list(keep func(*models.PipelineDefinition) bool) ([]*models.PipelineDefinition, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*models.PipelineDefinition, 0, len(items))
	for _, p := range items {
		if p != nil && r.visible(p) && keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns a visible pipeline.
func (r *Registry) Get(id string) (*models.PipelineDefinition, error) {
	p, err := r.docs.Get(id)
	if err != nil {
		return nil, err
	}
	if p == nil || !r.visible(p) {
		return nil, ErrNotFound
	}
	return p, nil
}

// Create stores a new pipeline after enriching its operators.
func (r *Registry) Create(in Input) (*models.PipelineDefinition, error) {
	if in.Name == "" {
		return nil, errors.New("pipeline name is required")
	}
	now := r.now().UTC()
	p := &models.PipelineDefinition{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Tags:      in.Tags,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    statusQueued,
		Config:    in.Config,
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	file := r.fileValuesFor(in.Config.FilePath)
	for i, b := range p.Config.Operators {
		p.Config.Operators[i] = r.enrich(b, file(b.Name))
	}
	err := r.docs.Mutate(func(items map[string]*models.PipelineDefinition) error {
		items[p.ID] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("pipeline created", zap.String("id", p.ID), zap.String("name", p.Name))
	return p, nil
}

// Update replaces the mutable fields of a pipeline. Operators are matched
// to the stored ones by position; a different name at an existing position
// is rejected and nothing is written.
func (r *Registry) Update(id string, in Input) (*models.PipelineDefinition, error) {
	var updated *models.PipelineDefinition
	err := r.docs.Mutate(func(items map[string]*models.PipelineDefinition) error {
		cur, ok := items[id]
		if !ok || cur == nil || !r.visible(cur) {
			return ErrNotFound
		}
		ops := make([]models.OperatorBinding, len(in.Config.Operators))
		for i, b := range in.Config.Operators {
			var prev models.OperatorBinding
			if i < len(cur.Config.Operators) {
				prev = cur.Config.Operators[i]
				if prev.Name != b.Name {
					return fmt.Errorf("%w: position %d holds %s, got %s", ErrOperatorRenamed, i, prev.Name, b.Name)
				}
			} else {
				prev = r.seedBinding(b.Name)
			}
			prev.Params = models.OperatorParams{
				Init: mergeParams(prev.Params.Init, b.Params.Init),
				Run:  mergeParams(prev.Params.Run, b.Params.Run),
			}
			if b.Location != nil {
				prev.Location = b.Location
			}
			ops[i] = prev
		}

		next := *cur
		if in.Name != "" {
			next.Name = in.Name
		}
		if in.Tags != nil {
			next.Tags = in.Tags
		}
		next.Config.Operators = ops
		if !in.Config.InputDataset.IsZero() {
			next.Config.InputDataset = in.Config.InputDataset
		}
		next.UpdatedAt = r.now().UTC()
		items[id] = &next
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Registry) Delete(id string) error {
	return r.docs.Mutate(func(items map[string]*models.PipelineDefinition) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}

// fileValuesFor analyzes path and returns a lookup of file arguments by
// operator class. An empty or unreadable path yields no values.
func (r *Registry) fileValuesFor(path string) func(name string) fileValues {
	if path == "" {
		return func(string) fileValues { return fileValues{} }
	}
	a, err := analyzer.AnalyzeFile(path, r.log)
	if err != nil {
		r.log.Warn("analyze pipeline file", zap.String("file", path), zap.Error(err))
		return func(string) fileValues { return fileValues{} }
	}
	return analysisValues(a)
}

func analysisValues(a *analyzer.Analysis) func(name string) fileValues {
	init, run := a.InitParamsByClass(), a.RunParamsByClass()
	return func(name string) fileValues {
		return fileValues{init: init[name], run: run[name]}
	}
}
