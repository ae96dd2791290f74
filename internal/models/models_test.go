package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassRef(t *testing.T) {
	ref, ok := ParseClassRef("<class 'dataflow.prompts.GeneralQuestionFilterPrompt'>")
	require.True(t, ok)
	assert.Equal(t, ClassRef{Module: "dataflow.prompts", Name: "GeneralQuestionFilterPrompt"}, ref)
	assert.Equal(t, "<class 'dataflow.prompts.GeneralQuestionFilterPrompt'>", ref.String())

	ref, ok = ParseClassRef("MathQuestionFilterPrompt")
	require.True(t, ok)
	assert.Equal(t, ClassRef{Name: "MathQuestionFilterPrompt"}, ref)

	_, ok = ParseClassRef("")
	assert.False(t, ok)
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "GeneralQuestionFilterPrompt", ClassName("<class 'dataflow.prompts.GeneralQuestionFilterPrompt'>"))
	assert.Equal(t, "some_string", ClassName("some_string"))
	assert.Equal(t, 123, ClassName(123))
	assert.Equal(t, "P", ClassName(ClassRef{Module: "m", Name: "P"}))
	assert.Equal(t, "P", ClassName(map[string]any{"$class": map[string]any{"module": "m", "name": "P"}}))
}

func TestParamValueKeepsClassRefThroughJSON(t *testing.T) {
	in := ParamValue{Name: "prompt_template", Value: ClassRef{Module: PromptModule, Name: "SummaryPrompt"}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out ParamValue
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Value, out.Value)
}

func TestParamValueAcceptsLegacyTag(t *testing.T) {
	var out ParamValue
	require.NoError(t, json.Unmarshal([]byte(`{"name":"prompt_template","value":"<class 'dataflow.prompts.X'>"}`), &out))
	assert.Equal(t, "X", ClassName(out.Value))
}

func TestNormalizeParamsShapes(t *testing.T) {
	flat := NormalizeParams([]any{
		map[string]any{"name": "threshold", "value": 0.5},
		map[string]any{"value": "no name"},
	})
	require.Len(t, flat.Init, 1)
	assert.Equal(t, "threshold", flat.Init[0].Name)
	assert.Empty(t, flat.Run)

	mapping := NormalizeParams(map[string]any{"b": 2.0, "a": 1.0})
	require.Len(t, mapping.Init, 2)
	assert.Equal(t, "a", mapping.Init[0].Name)

	structured := NormalizeParams(map[string]any{
		"init": []any{map[string]any{"name": "x", "value": 1.0}},
		"run":  map[string]any{"input_key": "q"},
	})
	assert.Len(t, structured.Init, 1)
	require.Len(t, structured.Run, 1)
	assert.Equal(t, "q", structured.Run[0].Value)
}

func TestDatasetRefJSON(t *testing.T) {
	var cfg PipelineConfig
	require.NoError(t, json.Unmarshal([]byte(`{"input_dataset":"ds1","operators":[]}`), &cfg))
	assert.Equal(t, "ds1", cfg.InputDataset.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"input_dataset":{"id":"ds2","location":[3,4]}}`), &cfg))
	assert.Equal(t, DatasetRef{ID: "ds2", Location: []int{3, 4}}, cfg.InputDataset)

	b, err := json.Marshal(DatasetRef{ID: "ds1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"ds1"`, string(b))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ExecutionQueued, ExecutionRunning))
	assert.True(t, CanTransition(ExecutionRunning, ExecutionFailed))
	assert.True(t, CanTransition(ExecutionQueued, ExecutionCancelled))
	assert.False(t, CanTransition(ExecutionRunning, ExecutionQueued))
	assert.False(t, CanTransition(ExecutionCompleted, ExecutionRunning))
	assert.False(t, CanTransition(ExecutionFailed, ExecutionCancelled))
	assert.True(t, CanTransition(ExecutionFailed, ExecutionFailed))
}
