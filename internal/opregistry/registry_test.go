package opregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
)

type brokenClass struct{}

func (brokenClass) Name() string                  { return "Broken" }
func (brokenClass) Module() string                { return "custom.ops" }
func (brokenClass) TypePath() []string            { return []string{"operators"} }
func (brokenClass) InitParams() []models.ParamDef { panic("no signature") }
func (brokenClass) RunParams() []models.ParamDef  { return nil }
func (brokenClass) AllowedPrompts() []string      { panic("boom") }
func (brokenClass) Describe(string) ([]string, error) {
	panic("describe failed")
}
func (brokenClass) New(map[string]any) (plugin.Operator, error) { return nopOp{}, nil }

// pathlessClass panics on the type path and the module path only.
type pathlessClass struct{ brokenClass }

func (pathlessClass) Name() string                  { return "Pathless" }
func (pathlessClass) Module() string                { panic("no module") }
func (pathlessClass) TypePath() []string            { panic("no type path") }
func (pathlessClass) InitParams() []models.ParamDef { return nil }
func (pathlessClass) AllowedPrompts() []string      { return []string{"SummaryPrompt"} }

type nopOp struct{}

func (nopOp) Run(context.Context, plugin.Invocation) error { return nil }

func newRegistry(t *testing.T) (*Registry, string) {
	c := plugin.NewCatalog()
	plugin.RegisterBuiltins(c)
	c.RegisterOperator(brokenClass{})
	path := filepath.Join(t.TempDir(), "ops.json")
	return New(c, path, zap.NewNop()), path
}

func TestGetOpListDegradesPerField(t *testing.T) {
	r, _ := newRegistry(t)
	list := r.GetOpList("en")
	require.Len(t, list, 7)

	byName := map[string]models.OperatorSummary{}
	for _, s := range list {
		byName[s.Name] = s
	}
	broken := byName["Broken"]
	assert.Equal(t, NoDescription, broken.Description)
	assert.Equal(t, []string{}, broken.AllowedPrompts)
	assert.Equal(t, models.OperatorType{Level1: "Unknown", Level2: "Unknown"}, broken.Type)

	filter := byName["TextLengthFilter"]
	assert.Equal(t, models.OperatorType{Level1: "core_text", Level2: "filter"}, filter.Type)
	assert.NotEqual(t, NoDescription, filter.Description)
	assert.Equal(t, NoDescription, byName["FieldRenamer"].Description)
}

func TestDumpOpsToJSON(t *testing.T) {
	r, path := newRegistry(t)
	all, err := r.DumpOpsToJSON()
	require.NoError(t, err)
	assert.FileExists(t, path)

	require.Len(t, all[DefaultBucket], 7)
	for i, meta := range all[DefaultBucket] {
		assert.Equal(t, i+1, meta.Node)
	}
	assert.Len(t, all["unknown"], 1)
	assert.Len(t, all["core_text"], 5)
	assert.Len(t, all["text2sql"], 1)

	broken := all["unknown"][0]
	assert.Equal(t, []models.ParamDef{}, broken.Parameter.Init)
	assert.Equal(t, []models.ParamDef{}, broken.Parameter.Run)
}

func TestGetOpDetailsRegeneratesMissingCache(t *testing.T) {
	r, path := newRegistry(t)
	meta, err := r.GetOpDetails("SQLGenerator")
	require.NoError(t, err)
	assert.Equal(t, []string{"Text2SQLPrompt"}, meta.AllowedPrompts)
	assert.FileExists(t, path)

	_, err = r.GetOpDetails("Nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOpDetailsCorruptedCache(t *testing.T) {
	r, path := newRegistry(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := r.GetOpDetails("SQLGenerator")
	assert.ErrorIs(t, err, ErrCacheCorrupted)
}

func TestCacheIsNotInvalidatedImplicitly(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.DumpOpsToJSON()
	require.NoError(t, err)

	r.catalog.RemoveOperator("TextLengthFilter")
	_, err = r.GetOpDetails("TextLengthFilter")
	assert.NoError(t, err, "stale entries stay until the next dump")

	_, err = r.DumpOpsToJSON()
	require.NoError(t, err)
	_, err = r.GetOpDetails("TextLengthFilter")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeclaredParams(t *testing.T) {
	r, _ := newRegistry(t)
	params, ok := r.DeclaredParams("TextLengthFilter")
	require.True(t, ok)
	assert.Equal(t, "min_length", params.Init[0].Name)
	_, ok = r.DeclaredParams("Missing")
	assert.False(t, ok)
}

func TestTypeAndCategoryDegrade(t *testing.T) {
	r, _ := newRegistry(t)
	r.catalog.RegisterOperator(pathlessClass{})

	var found bool
	for _, s := range r.GetOpList("en") {
		if s.Name == "Pathless" {
			found = true
			assert.Equal(t, models.OperatorType{Level1: "Unknown", Level2: "Unknown"}, s.Type)
			assert.Equal(t, []string{"SummaryPrompt"}, s.AllowedPrompts)
		}
	}
	require.True(t, found)

	all, err := r.DumpOpsToJSON()
	require.NoError(t, err)
	assert.Len(t, all[DefaultBucket], 8)
	assert.Len(t, all["unknown"], 2)
}
