package serving

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/registry"
)

func chatServer(t *testing.T, inflight, peak *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(inflight, 1)
		defer atomic.AddInt32(inflight, -1)
		for {
			old := atomic.LoadInt32(peak)
			if n <= old || atomic.CompareAndSwapInt32(peak, old, n) {
				break
			}
		}
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if input, ok := req["input"].([]any); ok {
			data := make([]map[string]any, len(input))
			for i := range input {
				data[i] = map[string]any{"index": i, "embedding": []float64{float64(i), 1}}
			}
			json.NewEncoder(w).Encode(map[string]any{"data": data})
			return
		}
		msgs := req["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)["content"].(string)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "re: " + last}}},
		})
	}))
}

func TestAPIServingGenerateKeepsOrderAndLimit(t *testing.T) {
	var inflight, peak int32
	srv := chatServer(t, &inflight, &peak)
	defer srv.Close()
	t.Setenv("TEST_SERVING_KEY", "secret")

	s, err := NewAPIServing(plugin.Args{
		"api_url":             srv.URL,
		"key_name_of_api_key": "TEST_SERVING_KEY",
		"max_workers":         2,
	})
	require.NoError(t, err)

	prompts := []string{"a", "b", "c", "d", "e"}
	out, err := s.Generate(context.Background(), "sys", prompts)
	require.NoError(t, err)
	assert.Equal(t, []string{"re: a", "re: b", "re: c", "re: d", "re: e"}, out)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	vecs, err := s.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1}, {1, 1}}, vecs)
}

func TestAPIServingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewAPIServing(plugin.Args{"api_url": srv.URL})
	require.NoError(t, err)
	_, err = s.Generate(context.Background(), "", []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = NewAPIServing(plugin.Args{})
	assert.Error(t, err)
}

func TestFactoryExportsAPIKey(t *testing.T) {
	var inflight, peak int32
	srv := chatServer(t, &inflight, &peak)
	defer srv.Close()

	f := NewFactory(zap.NewNop())
	info := registry.ServingInfo{
		ClsName: ClassAPIRequest,
		Params: []registry.ServingParam{
			{Name: "api_url", Value: srv.URL},
			{Name: "api_key", Value: "secret"},
			{Name: "key_name_of_api_key", Value: nil},
		},
	}
	t.Cleanup(func() { os.Unsetenv("DF_API_KEY_abc123") })

	inst, err := f.Build("abc123", info)
	require.NoError(t, err)
	assert.Equal(t, "secret", os.Getenv("DF_API_KEY_abc123"))

	out, err := inst.Generate(context.Background(), "", []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"re: hi"}, out)
}

func TestFactoryUnsupportedAndEcho(t *testing.T) {
	f := NewFactory(zap.NewNop())
	_, err := f.Build("x", registry.ServingInfo{ClsName: "LocalModelServing"})
	assert.ErrorIs(t, err, ErrUnsupportedServing)

	inst, err := f.Build("y", registry.ServingInfo{ClsName: ClassLocalEcho, Params: []registry.ServingParam{
		{Name: "prefix", Value: "> "},
		{Name: "dimensions", Value: 4},
	}})
	require.NoError(t, err)
	out, err := inst.Generate(context.Background(), "", []string{"ping"})
	require.NoError(t, err)
	assert.Equal(t, []string{"> ping"}, out)

	a, err := inst.Embed(context.Background(), []string{"same", "same"})
	require.NoError(t, err)
	require.Len(t, a[0], 4)
	assert.Equal(t, a[0], a[1])
}

func TestClassesDeclareAPIKey(t *testing.T) {
	names := map[string]bool{}
	for _, d := range Classes()[ClassAPIRequest] {
		names[d.Name] = true
	}
	assert.True(t, names["api_key"])
	assert.True(t, names["key_name_of_api_key"])
	assert.Contains(t, Classes(), ClassLocalEcho)
}

func TestFactoryKeepsKeysPerServing(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msgs := req["messages"].([]any)
		who := msgs[len(msgs)-1].(map[string]any)["content"].(string)
		mu.Lock()
		seen[who] = r.Header.Get("Authorization")
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer srv.Close()
	t.Cleanup(func() {
		os.Unsetenv("DF_API_KEY_first")
		os.Unsetenv("DF_API_KEY_second")
	})

	f := NewFactory(zap.NewNop())
	build := func(id, key string) Instance {
		inst, err := f.Build(id, registry.ServingInfo{
			ClsName: ClassAPIRequest,
			Params: []registry.ServingParam{
				{Name: "api_url", Value: srv.URL},
				{Name: "api_key", Value: key},
				{Name: "key_name_of_api_key", Value: nil, DefaultValue: "DF_API_KEY"},
			},
		})
		require.NoError(t, err)
		return inst
	}
	first := build("first", "key-one")
	second := build("second", "key-two")

	_, err := first.Generate(context.Background(), "", []string{"first"})
	require.NoError(t, err)
	_, err = second.Generate(context.Background(), "", []string{"second"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-one", seen["first"])
	assert.Equal(t, "Bearer key-two", seen["second"])
	assert.Equal(t, "key-one", os.Getenv("DF_API_KEY_first"))
}
