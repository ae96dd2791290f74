package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestDatasetRegistry(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "input.jsonl")
	require.NoError(t, os.WriteFile(root, []byte("{\"a\":1}\n{\"a\":2}\n"), 0o644))

	r := NewDatasetRegistry(filepath.Join(dir, "datasets.yaml"))
	d, err := r.AddOrUpdate(Dataset{Root: root})
	require.NoError(t, err)
	assert.Equal(t, DatasetID(root), d.ID)
	assert.Len(t, d.ID, 10)
	assert.Equal(t, "input.jsonl", d.Name)
	assert.Equal(t, "jsonl", d.Type)
	require.NotNil(t, d.NumSamples)
	assert.Equal(t, 2, *d.NumSamples)
	assert.Len(t, d.Hash, 32)

	again, err := r.AddOrUpdate(Dataset{Root: root, Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)

	found, ok, err := r.FindByRoot(root)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d.ID, found.ID)

	_, err = r.AddOrUpdate(Dataset{Root: filepath.Join(dir, "missing.jsonl")})
	assert.Error(t, err)

	require.NoError(t, r.Remove(d.ID))
	_, err = r.Get(d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServingRegistry(t *testing.T) {
	classes := map[string][]models.ParamDef{
		"APILLMServing_request": {{Name: "api_url"}, {Name: "model_name"}},
	}
	r := NewServingRegistry(filepath.Join(t.TempDir(), "serving.yaml"), classes)

	id, err := r.Set("zeta", "APILLMServing_request", []ServingParam{{Name: "model_name", Value: "gpt"}})
	require.NoError(t, err)
	assert.Len(t, id, 16)
	id2, err := r.Set("alpha", "APILLMServing_request", nil)
	require.NoError(t, err)

	_, err = r.Set("x", "Nope", nil)
	assert.Error(t, err)

	info, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "gpt", info.ParamMap()["model_name"])

	ordered, err := r.Ordered()
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, id2, ordered[0].ID)

	require.NoError(t, r.Update(id, "renamed", nil))
	info, err = r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", info.Name)
	assert.Len(t, info.Params, 1)

	require.NoError(t, r.Delete(id))
	assert.ErrorIs(t, r.Delete(id), ErrNotFound)
	assert.Contains(t, r.ServingClasses(), "APILLMServing_request")
}

func TestServingUpdateKeepsMaskedValues(t *testing.T) {
	r := NewServingRegistry(filepath.Join(t.TempDir(), "serving.yaml"), nil)
	id, err := r.Set("remote", "APILLMServing_request", []ServingParam{
		{Name: SecretParam, Value: "sk-live"},
		{Name: "model_name", Value: "gpt"},
	})
	require.NoError(t, err)

	require.NoError(t, r.Update(id, "", []ServingParam{
		{Name: SecretParam, Value: MaskedValue},
		{Name: "model_name", Value: "gpt-4o"},
	}))
	info, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", info.ParamMap()[SecretParam])
	assert.Equal(t, "gpt-4o", info.ParamMap()["model_name"])
}

func writeSQLite(t *testing.T, path string) {
	t.Helper()
	data := append([]byte(SQLiteHeader), make([]byte, 84)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestText2SQLRegistry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "my shop.sqlite")
	writeSQLite(t, src)

	r := NewText2SQLRegistry(filepath.Join(dir, "text2sql.yaml"), filepath.Join(dir, "sqlite"))
	db, err := r.Register(src, "", "demo")
	require.NoError(t, err)
	assert.Regexp(t, `^my_shop_[0-9a-f]{6}$`, db.ID)
	assert.Equal(t, "my_shop", db.Name)
	assert.FileExists(t, db.Path)
	assert.True(t, IsSQLiteFile(db.Path))

	list, err := r.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.Rename(db.ID, "shop"))
	got, err := r.Get(db.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Name)

	require.NoError(t, r.Delete(db.ID))
	assert.NoDirExists(t, filepath.Join(dir, "sqlite", db.ID))
	assert.ErrorIs(t, r.Delete(db.ID), ErrNotFound)
}

func TestText2SQLRegisterValidation(t *testing.T) {
	dir := t.TempDir()
	r := NewText2SQLRegistry(filepath.Join(dir, "text2sql.yaml"), filepath.Join(dir, "sqlite"))

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))
	_, err := r.Register(txt, "", "")
	assert.ErrorIs(t, err, ErrUnsupportedExt)

	fake := filepath.Join(dir, "fake.db")
	require.NoError(t, os.WriteFile(fake, []byte("definitely not sqlite"), 0o644))
	_, err = r.Register(fake, "", "")
	assert.ErrorIs(t, err, ErrNotSQLite)
}

func TestDatabaseManagerRegistry(t *testing.T) {
	r := NewDatabaseManagerRegistry(filepath.Join(t.TempDir(), "managers.yaml"))
	r.now = fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	a, err := r.Create(DatabaseManagerInfo{Name: "first", SelectedDBIDs: []string{"db1"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", a.DBType)
	assert.Equal(t, "DatabaseManager", a.ClsName)
	b, err := r.Create(DatabaseManagerInfo{Name: "second"})
	require.NoError(t, err)

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, []string{}, list[1].SelectedDBIDs)

	name := "renamed"
	upd, err := r.Update(b.ID, DatabaseManagerUpdate{Name: &name, SelectedDBIDs: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", upd.Name)
	assert.Equal(t, []string{"x"}, upd.SelectedDBIDs)

	_, err = r.Create(DatabaseManagerInfo{})
	assert.Error(t, err)
	require.NoError(t, r.Delete(a.ID))
	_, err = r.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskRegistryLifecycle(t *testing.T) {
	r := NewTaskRegistry(filepath.Join(t.TempDir(), "tasks.json"))
	r.now = fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	task, err := r.Create(models.TaskRecord{ExecutorName: "p", ExecutorType: models.ExecutorPipeline})
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.NotNil(t, task.Meta)

	_, err = r.Complete(task.ID, "")
	require.NoError(t, err)
	_, err = r.Start(task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	other, err := r.Create(models.TaskRecord{ExecutorType: models.ExecutorOperator})
	require.NoError(t, err)
	started, err := r.Start(other.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	running := models.TaskRunning
	again, err := r.Update(other.ID, models.TaskUpdate{Status: &running})
	require.NoError(t, err)
	assert.Equal(t, firstStart, *again.StartedAt, "started_at is stamped once")

	failed, err := r.Fail(other.ID, "boom")
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "boom", *failed.ErrorMessage)
	require.NotNil(t, failed.FinishedAt)
	_, err = r.Cancel(other.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	list, err := r.List("", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, other.ID, list[0].ID, "newest first")

	list, err = r.List(models.TaskSuccess, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, task.ID, list[0].ID)

	stats, err := r.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.ByExecutorType[models.ExecutorOperator])
	assert.Equal(t, 1, stats.ByExecutorType[models.ExecutorPipeline])

	require.NoError(t, r.Delete(task.ID))
	_, err = r.Get(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskUpdateIgnoresNilFields(t *testing.T) {
	r := NewTaskRegistry(filepath.Join(t.TempDir(), "tasks.json"))
	task, err := r.Create(models.TaskRecord{DatasetID: "ds", ExecutorName: "op"})
	require.NoError(t, err)

	name := "op2"
	got, err := r.Update(task.ID, models.TaskUpdate{ExecutorName: &name})
	require.NoError(t, err)
	assert.Equal(t, "op2", got.ExecutorName)
	assert.Equal(t, "ds", got.DatasetID)
	assert.Equal(t, models.TaskPending, got.Status)

	_, err = r.Update("nope", models.TaskUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}
