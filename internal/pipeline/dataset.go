package pipeline

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/registry"
)

// DatasetSource lists the known datasets.
type DatasetSource interface {
	List() ([]registry.Dataset, error)
}

// resolveDataset maps the entry file named in a pipeline file to a known
// dataset. The entry is relative to the pipeline file; it is matched by
// absolute path, then by path relative to the data root, then by the id
// derived from either path. An unmatched entry yields an empty ref.
func (r *Registry) resolveDataset(pipelineFile, entry string) models.DatasetRef {
	if entry == "" || r.datasets == nil {
		return models.DatasetRef{}
	}
	abs := entry
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(filepath.Dir(pipelineFile), entry)
	}
	abs = filepath.Clean(abs)
	if a, err := filepath.Abs(abs); err == nil {
		abs = a
	}
	rel := abs
	if r.dataRoot != "" {
		if root, err := filepath.Abs(r.dataRoot); err == nil {
			if p, err := filepath.Rel(root, abs); err == nil {
				rel = p
			}
		}
	}

	datasets, err := r.datasets.List()
	if err != nil {
		r.log.Warn("list datasets", zap.Error(err))
		return models.DatasetRef{}
	}
	for _, d := range datasets {
		if filepath.Clean(d.Root) == abs {
			return models.DatasetRef{ID: d.ID}
		}
	}
	for _, d := range datasets {
		if filepath.Clean(d.Root) == rel {
			return models.DatasetRef{ID: d.ID}
		}
	}
	ids := map[string]bool{registry.DatasetID(abs): true, registry.DatasetID(rel): true}
	for _, d := range datasets {
		if ids[d.ID] {
			return models.DatasetRef{ID: d.ID}
		}
	}
	return models.DatasetRef{}
}
