package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", Bucket: "executions"}
	assert.NoError(t, valid.Validate())
	assert.True(t, valid.Enabled())

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	assert.Error(t, invalid.Validate())

	invalid = valid
	invalid.Bucket = ""
	assert.Error(t, invalid.Validate())

	assert.False(t, Config{}.Enabled())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "exec-1/dataflow_cache_step_step2.jsonl", ObjectKey("exec-1", "/tmp/cache/exec-1/dataflow_cache_step_step2.jsonl"))
}

func TestExportToMinIO(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	e, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_TEST_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_TEST_SECRET_KEY"),
		Region:    "us-east-1",
		Bucket:    "dataflowhub-test",
	})
	require.NoError(t, err)
	require.NoError(t, e.EnsureBucket(context.Background()))

	path := filepath.Join(t.TempDir(), "out.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n"), 0o644))
	uri, err := e.Export(context.Background(), "exec-1", path)
	require.NoError(t, err)
	assert.Equal(t, "s3://dataflowhub-test/exec-1/out.jsonl", uri)
}
