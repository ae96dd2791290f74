package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/analyzer"
	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/registry"
)

type fakeOps map[string]models.OperatorParameters

func (f fakeOps) DeclaredParams(name string) (models.OperatorParameters, bool) {
	p, ok := f[name]
	return p, ok
}

func (f fakeOps) AllowedPrompts(name string) []string {
	if name == "OpWithPrompt" {
		return []string{"SummaryPrompt", "MathQuestionFilterPrompt"}
	}
	return nil
}

func def(name string, v any) models.ParamDef {
	return models.ParamDef{Name: name, Default: v, Kind: models.KindPositionalOrKeyword}
}

var testOps = fakeOps{
	"OpA": {
		Init: []models.ParamDef{def("a", 1), def("b", 2), def("c", 3)},
		Run:  []models.ParamDef{def("storage", nil), def("input_key", "text")},
	},
	"OpB": {
		Init: []models.ParamDef{def("threshold", 0.5)},
	},
	"OpWithPrompt": {
		Init: []models.ParamDef{def("llm_serving", nil), def("prompt_template", nil)},
	},
}

type staticDatasets []registry.Dataset

func (s staticDatasets) List() ([]registry.Dataset, error) { return s, nil }

func newTestRegistry(t *testing.T, datasets DatasetSource, allow *AllowList) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	pipes := filepath.Join(dir, "pipelines")
	require.NoError(t, os.MkdirAll(pipes, 0o755))
	r := NewRegistry(Options{
		Path:     filepath.Join(dir, "pipelines.json"),
		Dir:      pipes,
		DataRoot: dir,
		Allow:    allow,
	}, testOps, datasets, zap.NewNop())
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		start = start.Add(time.Second)
		return start
	}
	return r, pipes
}

func param(list []models.ParamValue, name string) models.ParamValue {
	if p := models.Find(list, name); p != nil {
		return *p
	}
	return models.ParamValue{}
}

func TestEnrichPriority(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	stored := models.OperatorBinding{
		Name: "OpA",
		Params: models.OperatorParams{
			Init: []models.ParamValue{{Name: "b", Value: 20}},
		},
	}
	file := fileValues{init: map[string]analyzer.Value{}}
	file.init["a"] = analyzer.Resolved(10)
	file.init["b"] = analyzer.Unresolved

	b := r.enrich(stored, file)
	require.Len(t, b.Params.Init, 3)

	a := param(b.Params.Init, "a")
	assert.Equal(t, 10, a.Value)
	assert.Equal(t, models.SourceFile, a.Source)

	bb := param(b.Params.Init, "b")
	assert.Equal(t, 20, bb.Value, "unresolved file value falls back to stored")
	assert.Equal(t, models.SourceStored, bb.Source)

	c := param(b.Params.Init, "c")
	assert.Equal(t, 3, c.Value)
	assert.Equal(t, models.SourceDefault, c.Source)
	assert.Equal(t, 3, c.DefaultValue)

	key := param(b.Params.Run, "input_key")
	assert.Equal(t, "text", key.Value)
}

func TestEnrichResolvedNullDoesNotOverride(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	stored := models.OperatorBinding{Name: "OpB", Params: models.OperatorParams{
		Init: []models.ParamValue{{Name: "threshold", Value: 0.9}},
	}}
	b := r.enrich(stored, fileValues{init: map[string]analyzer.Value{"threshold": analyzer.Resolved(nil)}})
	assert.Equal(t, 0.9, param(b.Params.Init, "threshold").Value)
}

func TestEnrichKeepsDynamicParams(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	stored := models.OperatorBinding{Name: "OpB", Params: models.OperatorParams{
		Init: []models.ParamValue{{Name: "extra", Value: "x"}},
	}}
	b := r.enrich(stored, fileValues{})

	require.Len(t, b.Params.Run, 1)
	assert.Equal(t, "extra", b.Params.Run[0].Name)
	assert.Equal(t, "x", b.Params.Run[0].Value)
	assert.Equal(t, models.KindDynamic, b.Params.Run[0].Kind)
	assert.Nil(t, models.Find(b.Params.Init, "extra"))
}

func TestEnrichPromptFallback(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	b := r.enrich(models.OperatorBinding{Name: "OpWithPrompt"}, fileValues{})

	p := param(b.Params.Init, "prompt_template")
	assert.Equal(t, models.ClassRef{Module: models.PromptModule, Name: "SummaryPrompt"}, p.Value)
	assert.Equal(t, models.SourcePrompt, p.Source)
	assert.Nil(t, param(b.Params.Init, "llm_serving").Value)
}

func TestEnrichUnknownOperatorKeepsParams(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	in := models.OperatorBinding{Name: "Ghost", Params: models.OperatorParams{
		Init: []models.ParamValue{{Name: "q", Value: 1}},
	}}
	assert.Equal(t, in, r.enrich(in, fileValues{}))
}

func TestCreateGetDelete(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	p, err := r.Create(Input{
		Name: "mine",
		Config: models.PipelineConfig{
			InputDataset: models.DatasetRef{ID: "ds1"},
			Operators: []models.OperatorBinding{{Name: "OpA", Params: models.OperatorParams{
				Init: []models.ParamValue{{Name: "a", Value: 5}},
			}}},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "queued", p.Status)
	assert.Equal(t, []string{}, p.Tags)
	assert.Equal(t, 5, param(p.Config.Operators[0].Params.Init, "a").Value)
	assert.Equal(t, 2, param(p.Config.Operators[0].Params.Init, "b").Value)

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Name)
	assert.Equal(t, "ds1", got.Config.InputDataset.ID)

	_, err = r.Create(Input{})
	assert.Error(t, err)

	require.NoError(t, r.Delete(p.ID))
	_, err = r.Get(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(p.ID), ErrNotFound)
}

func TestUpdateMergesAndPreservesIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	p, err := r.Create(Input{Name: "p", Config: models.PipelineConfig{
		Operators: []models.OperatorBinding{{Name: "OpA", Params: models.OperatorParams{
			Init: []models.ParamValue{{Name: "a", Value: 5}},
		}}},
	}})
	require.NoError(t, err)

	updated, err := r.Update(p.ID, Input{
		Name: "renamed",
		Tags: []string{"x"},
		Config: models.PipelineConfig{
			InputDataset: models.DatasetRef{ID: "ds2"},
			Operators: []models.OperatorBinding{
				{Name: "OpA", Params: models.OperatorParams{Init: []models.ParamValue{
					{Name: "a", Value: nil},
					{Name: "b", Value: 7},
				}}},
				{Name: "OpB"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, []string{"x"}, updated.Tags)
	assert.True(t, p.CreatedAt.Equal(updated.CreatedAt))
	assert.Equal(t, p.Status, updated.Status)
	assert.True(t, updated.UpdatedAt.After(p.UpdatedAt))
	assert.Equal(t, "ds2", updated.Config.InputDataset.ID)

	init := updated.Config.Operators[0].Params.Init
	assert.EqualValues(t, 5, param(init, "a").Value, "null keeps the stored value")
	assert.Equal(t, 7, param(init, "b").Value)
	assert.Equal(t, models.SourceUser, param(init, "b").Source)

	require.Len(t, updated.Config.Operators, 2)
	assert.Equal(t, 0.5, param(updated.Config.Operators[1].Params.Init, "threshold").Value, "new slot is seeded with defaults")
}

func TestUpdateWithoutDatasetKeepsStoredOne(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	p, err := r.Create(Input{Name: "p", Config: models.PipelineConfig{
		InputDataset: models.DatasetRef{ID: "ds1"},
		Operators:    []models.OperatorBinding{{Name: "OpA"}},
	}})
	require.NoError(t, err)

	updated, err := r.Update(p.ID, Input{Config: models.PipelineConfig{
		Operators: []models.OperatorBinding{{Name: "OpA"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "ds1", updated.Config.InputDataset.ID)

	stored, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ds1", stored.Config.InputDataset.ID)
	assert.Equal(t, "p", stored.Name)
}

func TestUpdateRejectsRenameAtSlot(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	p, err := r.Create(Input{Name: "p", Config: models.PipelineConfig{
		Operators: []models.OperatorBinding{{Name: "OpA"}},
	}})
	require.NoError(t, err)
	before, err := r.Get(p.ID)
	require.NoError(t, err)

	_, err = r.Update(p.ID, Input{Name: "other", Config: models.PipelineConfig{
		Operators: []models.OperatorBinding{{Name: "OpB"}},
	}})
	assert.ErrorIs(t, err, ErrOperatorRenamed)

	after, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = r.Update("missing", Input{})
	assert.ErrorIs(t, err, ErrNotFound)
}

const presetSource = `
class DemoPipeline {
  constructor() {
    this.storage = new FileStorage({first_entry_file_name: "../data/input.jsonl"})
    this.a = new OpA({a: 42})
    this.b = new OpB()
  }
  forward() {
    this.a.run({storage: this.storage.step(), input_key: "content"})
    this.b.run({storage: this.storage.step()})
  }
}
`

func TestSyncMaterializesPresets(t *testing.T) {
	r, pipes := newTestRegistry(t, nil, nil)
	dataRoot := filepath.Dir(pipes)
	input := filepath.Join(dataRoot, "data", "input.jsonl")
	r.datasets = staticDatasets{{ID: registry.DatasetID(input), Root: input}}

	file := filepath.Join(pipes, "demo.js")
	require.NoError(t, os.WriteFile(file, []byte(presetSource), 0o644))

	require.NoError(t, r.Sync())
	id := PresetID(file)
	p, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, []string{models.TagTemplate, models.TagPreset}, p.Tags)
	assert.Equal(t, []string{"OpA", "OpB"}, p.Config.OperatorNames())
	assert.EqualValues(t, 42, param(p.Config.Operators[0].Params.Init, "a").Value)
	assert.Equal(t, models.SourceFile, param(p.Config.Operators[0].Params.Init, "a").Source)
	assert.Equal(t, "content", param(p.Config.Operators[0].Params.Run, "input_key").Value)
	assert.Len(t, p.Config.Operators[0].Location, 2)
	assert.Equal(t, registry.DatasetID(input), p.Config.InputDataset.ID)

	// A second sync with nothing changed leaves the entry untouched.
	require.NoError(t, r.Sync())
	again, err := r.Get(id)
	require.NoError(t, err)
	assert.True(t, p.UpdatedAt.Equal(again.UpdatedAt))

	templates, err := r.ListTemplates()
	require.NoError(t, err)
	require.Len(t, templates, 1)

	require.NoError(t, os.Remove(file))
	require.NoError(t, r.Sync())
	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncReenrichesOnOperatorChange(t *testing.T) {
	r, pipes := newTestRegistry(t, nil, nil)
	file := filepath.Join(pipes, "demo.js")
	require.NoError(t, os.WriteFile(file, []byte(presetSource), 0o644))
	require.NoError(t, r.Sync())

	changed := `
class DemoPipeline {
  constructor() { this.b = new OpB({threshold: 0.1}) }
  forward() { this.b.run({}) }
}
`
	require.NoError(t, os.WriteFile(file, []byte(changed), 0o644))
	require.NoError(t, r.Sync())
	p, err := r.Get(PresetID(file))
	require.NoError(t, err)
	assert.Equal(t, []string{"OpB"}, p.Config.OperatorNames())
	assert.Equal(t, 0.1, param(p.Config.Operators[0].Params.Init, "threshold").Value)
	assert.True(t, p.Config.InputDataset.IsZero())
}

func TestAllowListControlsVisibility(t *testing.T) {
	allow := NewAllowList(Preset{File: "shown.js", Name: "Shown pipeline", Tags: []string{"reasoning"}})
	r, pipes := newTestRegistry(t, nil, allow)
	for _, name := range []string{"shown.js", "hidden.js"} {
		require.NoError(t, os.WriteFile(filepath.Join(pipes, name), []byte(presetSource), 0o644))
	}
	mine, err := r.Create(Input{Name: "user pipeline"})
	require.NoError(t, err)

	list, err := r.List()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, p := range list {
		names[p.Name] = true
	}
	assert.Equal(t, map[string]bool{"Shown pipeline": true, "user pipeline": true}, names)

	_, err = r.Get(PresetID(filepath.Join(pipes, "hidden.js")))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(mine.ID)
	assert.NoError(t, err)

	shown, err := r.Get(PresetID(filepath.Join(pipes, "shown.js")))
	require.NoError(t, err)
	assert.Equal(t, []string{models.TagTemplate, models.TagPreset, "reasoning"}, shown.Tags)

	stored, err := r.docs.Load()
	require.NoError(t, err)
	assert.Len(t, stored, 3, "hidden presets stay in storage")
}

func TestLoadAllowList(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadAllowList(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.True(t, a.Allowed("anything.js"))

	path := filepath.Join(dir, "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets:\n  - file: reasoning.js\n    name: Reasoning\n"), 0o644))
	a, err = LoadAllowList(path)
	require.NoError(t, err)
	assert.True(t, a.Allowed("/some/dir/reasoning.js"))
	assert.False(t, a.Allowed("other.js"))
}

func TestResolveDataset(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "data", "a.jsonl")
	pipeFile := filepath.Join(dir, "pipelines", "p.js")

	cases := []struct {
		name     string
		datasets staticDatasets
		want     string
	}{
		{"absolute root", staticDatasets{{ID: "abs", Root: abs}}, "abs"},
		{"relative root", staticDatasets{{ID: "rel", Root: filepath.Join("data", "a.jsonl")}}, "rel"},
		{"id fallback", staticDatasets{{ID: registry.DatasetID(abs), Root: "/elsewhere"}}, registry.DatasetID(abs)},
		{"unmatched", staticDatasets{{ID: "x", Root: "/elsewhere"}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Registry{dataRoot: dir, datasets: tc.datasets, log: zap.NewNop()}
			assert.Equal(t, tc.want, r.resolveDataset(pipeFile, "../data/a.jsonl").ID)
		})
	}
}
