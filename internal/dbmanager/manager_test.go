package dbmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SelimCelen/dataflowhub/internal/registry"
)

func writeDB(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := append([]byte(registry.SQLiteHeader), make([]byte, 84)...)
	data = append(data, []byte(body)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestSQLiteScanAndFilter(t *testing.T) {
	root := t.TempDir()
	writeDB(t, filepath.Join(root, "shop_a1b2c3", "shop.db"), "\x00CREATE TABLE orders (id INTEGER, total REAL)\x00")
	writeDB(t, filepath.Join(root, "loose.sqlite"), "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.db"), []byte("plain text"), 0o644))

	m, err := New(context.Background(), "sqlite", map[string]any{"root_path": root})
	require.NoError(t, err)
	assert.Equal(t, []string{"loose", "shop_a1b2c3"}, m.DatabaseIDs())

	schema, err := m.Schema(context.Background(), "shop_a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE orders (id INTEGER, total REAL)", schema)

	only := m.Filter([]string{"shop_a1b2c3", "ghost"})
	assert.Equal(t, []string{"shop_a1b2c3"}, only.DatabaseIDs())
	assert.Len(t, m.Databases, 2, "filter leaves the source untouched")

	_, err = only.Schema(context.Background(), "loose")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), "sqlite", nil)
	assert.Error(t, err)
	_, err = New(context.Background(), "postgres", map[string]any{})
	assert.Error(t, err)
	_, err = New(context.Background(), "oracle", nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	m, err := New(context.Background(), "", map[string]any{"root_path": filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	assert.Empty(t, m.DatabaseIDs())
}

func TestPostgresManager(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	m, err := New(context.Background(), "postgres", map[string]any{"dsn": dsn})
	require.NoError(t, err)
	assert.NotEmpty(t, m.DatabaseIDs())
	_, err = m.Schema(context.Background(), m.DatabaseIDs()[0])
	assert.NoError(t, err)
}
