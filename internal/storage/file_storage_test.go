package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStepCursorReadsEntryThenCache(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "input.jsonl")
	writeFile(t, entry, "{\"text\":\"a\"}\n{\"text\":\"b\"}\n\n")

	s, err := New(entry, filepath.Join(dir, "cache"), "", "")
	require.NoError(t, err)
	assert.Equal(t, -1, s.OperatorStep())

	first := s.Step()
	assert.Equal(t, 0, first.OperatorStep())
	rows, err := first.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, first.Write(rows[:1]))
	assert.FileExists(t, filepath.Join(dir, "cache", "dataflow_cache_step_step1.jsonl"))

	second := s.Step()
	assert.Equal(t, 1, second.OperatorStep())
	assert.Equal(t, 0, first.OperatorStep(), "earlier cursor copies stay pinned")
	rows, err = second.Read()
	require.NoError(t, err)
	assert.Equal(t, []Row{{"text": "a"}}, rows)

	n, err := CountRows(first.CacheFilePath(first.OperatorStep() + 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReadBeforeStep(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "in.jsonl"), dir, "p", CacheJSONL)
	require.NoError(t, err)
	_, err = s.Read()
	assert.Error(t, err)
	assert.Error(t, s.Write(nil))
}

func TestUnsupportedCacheType(t *testing.T) {
	_, err := New("in.jsonl", t.TempDir(), "p", "parquet")
	assert.Error(t, err)
}

func TestReadRowsFormats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "rows.json")
	writeFile(t, jsonPath, `[{"a":1},{"a":2},{"a":3}]`)
	rows, total, err := ReadRows(jsonPath, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 3, total)

	csvPath := filepath.Join(dir, "rows.csv")
	writeFile(t, csvPath, "question,db_id\nhow many?,shop\n")
	rows, total, err = ReadRows(csvPath, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "shop", rows[0]["db_id"])

	jsonlPath := filepath.Join(dir, "rows.jsonl")
	writeFile(t, jsonlPath, "{\"a\":1}\nnot json\n{\"a\":2}\n")
	rows, total, err = ReadRows(jsonlPath, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 2)
}

func TestJSONCacheType(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "in.json")
	writeFile(t, entry, `[{"x":1}]`)
	s, err := New(entry, dir, "step", CacheJSON)
	require.NoError(t, err)
	cur := s.Step()
	rows, err := cur.Read()
	require.NoError(t, err)
	require.NoError(t, cur.Write(rows))
	n, err := CountRows(cur.CacheFilePath(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
