// Package opregistry builds operator metadata from the plugin catalog and
// caches the detailed view in a JSON file.
package opregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

const (
	// NoDescription replaces a description that could not be produced.
	NoDescription = "N/A"
	DefaultBucket = "Default"
	unknown       = "Unknown"

	detailLang = "zh"
)

var (
	ErrCacheCorrupted = errors.New("operator cache corrupted")
	ErrNotFound       = errors.New("operator not found")
)

type Registry struct {
	catalog   *plugin.Catalog
	cachePath string
	log       *zap.Logger
	group     singleflight.Group
}

func New(catalog *plugin.Catalog, cachePath string, log *zap.Logger) *Registry {
	return &Registry{catalog: catalog, cachePath: cachePath, log: log.Named("opregistry")}
}

// GetOpList returns a summary of every operator computed from the catalog.
func (r *Registry) GetOpList(lang string) []models.OperatorSummary {
	classes := r.catalog.Operators()
	out := make([]models.OperatorSummary, 0, len(classes))
	for _, cls := range classes {
		out = append(out, models.OperatorSummary{
			Name:           cls.Name(),
			Type:           typeOf(cls),
			Description:    r.describe(cls, lang),
			AllowedPrompts: r.allowedPrompts(cls),
		})
	}
	return out
}

// DumpOpsToJSON rescans the catalog, writes the cache file and returns the
// operators grouped by category. Every operator is also in the Default
// bucket.
func (r *Registry) DumpOpsToJSON() (map[string][]models.OperatorMetadata, error) {
	all := map[string][]models.OperatorMetadata{}
	var bucket []models.OperatorMetadata
	for i, cls := range r.catalog.Operators() {
		meta := r.gather(cls, i+1)
		cat := category(cls)
		all[cat] = append(all[cat], meta)
		bucket = append(bucket, meta)
	}
	if bucket == nil {
		bucket = []models.OperatorMetadata{}
	}
	all[DefaultBucket] = bucket

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode operator cache: %w", err)
	}
	if err := store.WriteFileAtomic(r.cachePath, data); err != nil {
		r.log.Error("write operator cache", zap.String("path", r.cachePath), zap.Error(err))
		return nil, err
	}
	r.log.Info("operator cache written", zap.String("path", r.cachePath), zap.Int("count", len(bucket)))
	return all, nil
}

// GetOpDetailsAll returns the cached metadata, regenerating the cache once
// when the file is missing.
func (r *Registry) GetOpDetailsAll() (map[string][]models.OperatorMetadata, error) {
	data, err := os.ReadFile(r.cachePath)
	if errors.Is(err, os.ErrNotExist) {
		v, err, _ := r.group.Do("dump", func() (any, error) {
			return r.DumpOpsToJSON()
		})
		if err != nil {
			return nil, err
		}
		return v.(map[string][]models.OperatorMetadata), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read operator cache: %w", err)
	}
	var all map[string][]models.OperatorMetadata
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	return all, nil
}

// GetOpDetails returns the cached metadata of one operator.
func (r *Registry) GetOpDetails(name string) (*models.OperatorMetadata, error) {
	all, err := r.GetOpDetailsAll()
	if err != nil {
		return nil, err
	}
	for _, meta := range all[DefaultBucket] {
		if meta.Name == name {
			m := meta
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// DeclaredParams returns the declared init and run params of an operator
// straight from the catalog.
func (r *Registry) DeclaredParams(name string) (models.OperatorParameters, bool) {
	cls, ok := r.catalog.Operator(name)
	if !ok {
		return models.OperatorParameters{}, false
	}
	init, run := r.params(cls)
	return models.OperatorParameters{Init: init, Run: run}, true
}

// AllowedPrompts returns the prompt names an operator accepts.
func (r *Registry) AllowedPrompts(name string) []string {
	cls, ok := r.catalog.Operator(name)
	if !ok {
		return nil
	}
	return r.allowedPrompts(cls)
}

func (r *Registry) gather(cls plugin.OperatorClass, node int) models.OperatorMetadata {
	init, run := r.params(cls)
	return models.OperatorMetadata{
		Node:           node,
		Name:           cls.Name(),
		Description:    r.describe(cls, detailLang),
		Type:           typeOf(cls),
		AllowedPrompts: r.allowedPrompts(cls),
		Parameter:      models.OperatorParameters{Init: init, Run: run},
		DependsOn:      []string{},
	}
}

func (r *Registry) describe(cls plugin.OperatorClass, lang string) (desc string) {
	d, ok := cls.(plugin.Describer)
	if !ok {
		return NoDescription
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("describe operator panicked", zap.String("operator", cls.Name()), zap.Any("panic", p))
			desc = NoDescription
		}
	}()
	lines, err := d.Describe(lang)
	if err != nil {
		if !errors.Is(err, plugin.ErrNoDescription) {
			r.log.Warn("describe operator", zap.String("operator", cls.Name()), zap.Error(err))
		}
		return NoDescription
	}
	if len(lines) == 0 {
		return NoDescription
	}
	return strings.Join(lines, "\n")
}

func (r *Registry) allowedPrompts(cls plugin.OperatorClass) (prompts []string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("allowed prompts panicked", zap.String("operator", cls.Name()), zap.Any("panic", p))
			prompts = []string{}
		}
	}()
	prompts = cls.AllowedPrompts()
	if prompts == nil {
		prompts = []string{}
	}
	return prompts
}

func (r *Registry) params(cls plugin.OperatorClass) (init, run []models.ParamDef) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("param introspection panicked", zap.String("operator", cls.Name()), zap.Any("panic", p))
			init, run = []models.ParamDef{}, []models.ParamDef{}
		}
	}()
	init, run = cls.InitParams(), cls.RunParams()
	if init == nil {
		init = []models.ParamDef{}
	}
	if run == nil {
		run = []models.ParamDef{}
	}
	return init, run
}

func typeOf(cls plugin.OperatorClass) (t models.OperatorType) {
	t = models.OperatorType{Level1: unknown, Level2: unknown}
	defer func() {
		if recover() != nil {
			t = models.OperatorType{Level1: unknown, Level2: unknown}
		}
	}()
	path := cls.TypePath()
	if len(path) > 1 {
		t.Level1 = path[1]
	}
	if len(path) > 2 {
		t.Level2 = path[2]
	}
	return t
}

// category is the third segment of a dataflow.operators.* module path.
func category(cls plugin.OperatorClass) (cat string) {
	defer func() {
		if recover() != nil {
			cat = "unknown"
		}
	}()
	parts := strings.Split(cls.Module(), ".")
	if len(parts) >= 3 && parts[0] == "dataflow" && parts[1] == "operators" {
		return parts[2]
	}
	return "unknown"
}
