package pipeline

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/analyzer"
	"github.com/SelimCelen/dataflowhub/internal/models"
)

// presetNamespace scopes the name-based uuids of file-derived pipelines.
var presetNamespace = uuid.MustParse("6f2c3f0e-4d7a-5b8e-9a41-2f0d1c6b7e53")

var errNoChange = errors.New("no change")

// PresetID is the stable id of the preset materialized from path.
func PresetID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(presetNamespace, []byte(path)).String()
}

type scanned struct {
	path     string
	analysis *analyzer.Analysis
}

// Sync materializes every *.js file of the pipelines directory as a preset
// pipeline and drops presets whose file is gone. Nothing is written when
// no preset changed.
func (r *Registry) Sync() error {
	if r.dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(r.dir, "*.js"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	scans := make([]scanned, 0, len(files))
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		a, err := analyzer.AnalyzeFile(f, r.log)
		if err != nil {
			r.log.Warn("skip pipeline file", zap.String("file", f), zap.Error(err))
			continue
		}
		scans = append(scans, scanned{path: f, analysis: a})
	}

	now := r.now().UTC()
	var added, refreshed, removed int
	err = r.docs.Mutate(func(items map[string]*models.PipelineDefinition) error {
		seen := make(map[string]bool, len(scans))
		for _, s := range scans {
			id := PresetID(s.path)
			seen[id] = true
			cur := items[id]
			next, dirty := r.refreshPreset(id, cur, s, now)
			if !dirty {
				continue
			}
			if cur == nil {
				added++
			} else {
				refreshed++
			}
			items[id] = next
		}
		for id, p := range items {
			if p != nil && p.HasTag(models.TagPreset) && !seen[id] {
				delete(items, id)
				removed++
			}
		}
		if added+refreshed+removed == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Info("presets synced",
		zap.Int("added", added), zap.Int("refreshed", refreshed), zap.Int("removed", removed))
	return nil
}

// refreshPreset derives the preset for one scanned file. The returned bool
// reports whether it differs from cur.
func (r *Registry) refreshPreset(id string, cur *models.PipelineDefinition, s scanned, now time.Time) (*models.PipelineDefinition, bool) {
	var next models.PipelineDefinition
	dirty := cur == nil
	if cur == nil {
		next = models.PipelineDefinition{
			ID:        id,
			Name:      strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path)),
			Tags:      []string{models.TagTemplate, models.TagPreset},
			CreatedAt: now,
			UpdatedAt: now,
			Status:    statusQueued,
		}
		if p, ok := r.allow.lookup(s.path); ok {
			if p.Name != "" {
				next.Name = p.Name
			}
			for _, t := range p.Tags {
				if !next.HasTag(t) {
					next.Tags = append(next.Tags, t)
				}
			}
		}
	} else {
		next = *cur
		next.Config.Operators = append([]models.OperatorBinding(nil), cur.Config.Operators...)
	}
	if next.Config.FilePath != s.path {
		next.Config.FilePath = s.path
		dirty = true
	}

	calls := s.analysis.Operators()
	if !sameNames(s.analysis.OperatorNames(), next.Config.OperatorNames()) {
		values := analysisValues(s.analysis)
		ops := make([]models.OperatorBinding, len(calls))
		for i, c := range calls {
			b := models.OperatorBinding{Name: c.Name}
			if i < len(next.Config.Operators) && next.Config.Operators[i].Name == c.Name {
				b = next.Config.Operators[i]
			}
			ops[i] = r.enrich(b, values(c.Name))
		}
		next.Config.Operators = ops
		dirty = true
	}
	for i, c := range calls {
		loc := []int{c.Location[0], c.Location[1]}
		if !sameInts(next.Config.Operators[i].Location, loc) {
			next.Config.Operators[i].Location = loc
			dirty = true
		}
	}

	ds := r.resolveDataset(s.path, s.analysis.EntryFileName())
	if ds.ID != next.Config.InputDataset.ID {
		next.Config.InputDataset = ds
		dirty = true
	}

	if dirty && cur != nil {
		next.UpdatedAt = now
	}
	return &next, dirty
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
