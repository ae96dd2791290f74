package models

import (
	"encoding/json"
	"sort"
)

type ParamKind string

const (
	KindPositionalOrKeyword ParamKind = "POSITIONAL_OR_KEYWORD"
	KindKeywordOnly         ParamKind = "KEYWORD_ONLY"
	KindVarKeyword          ParamKind = "VAR_KEYWORD"
	KindDynamic             ParamKind = "DYNAMIC"
)

// ParamDef is a declared constructor or run parameter of an operator.
type ParamDef struct {
	Name    string    `json:"name" yaml:"name"`
	Default any       `json:"default_value" yaml:"default_value"`
	Kind    ParamKind `json:"kind" yaml:"kind"`
}

// ParamSource records where an effective parameter value came from.
type ParamSource string

const (
	SourceNone    ParamSource = ""
	SourceFile    ParamSource = "file"
	SourceStored  ParamSource = "stored"
	SourceDefault ParamSource = "default"
	SourcePrompt  ParamSource = "prompt_fallback"
	SourceUser    ParamSource = "user"
)

type ParamValue struct {
	Name         string      `json:"name"`
	Value        any         `json:"value"`
	DefaultValue any         `json:"default_value"`
	Kind         ParamKind   `json:"kind,omitempty"`
	Source       ParamSource `json:"source,omitempty"`
}

func (p *ParamValue) UnmarshalJSON(b []byte) error {
	type alias ParamValue
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	a.Value = DecodeValue(a.Value)
	a.DefaultValue = DecodeValue(a.DefaultValue)
	*p = ParamValue(a)
	return nil
}

type OperatorParams struct {
	Init []ParamValue `json:"init"`
	Run  []ParamValue `json:"run"`
}

// Find returns the named parameter from list, or nil.
func Find(list []ParamValue, name string) *ParamValue {
	for i := range list {
		if list[i].Name == name {
			return &list[i]
		}
	}
	return nil
}

// InitMap returns the init parameters as a name to value mapping.
func (p OperatorParams) InitMap() map[string]any {
	return toMap(p.Init)
}

// RunMap returns the run parameters as a name to value mapping.
func (p OperatorParams) RunMap() map[string]any {
	return toMap(p.Run)
}

func toMap(list []ParamValue) map[string]any {
	out := make(map[string]any, len(list))
	for _, pv := range list {
		out[pv.Name] = pv.Value
	}
	return out
}

// NormalizeParams accepts the parameter shapes clients send and returns
// the structured form:
//
//	{"init": [{"name", "value"}], "run": [...]}   structured lists
//	{"init": {"k": v}, "run": {"k": v}}           structured mappings
//	[{"name", "value"}]                           flat list, treated as init
//	{"k": v}                                      plain mapping, treated as init
func NormalizeParams(raw any) OperatorParams {
	switch t := raw.(type) {
	case nil:
		return OperatorParams{}
	case []any:
		return OperatorParams{Init: listToParams(t)}
	case map[string]any:
		initRaw, hasInit := t["init"]
		runRaw, hasRun := t["run"]
		if hasInit || hasRun {
			return OperatorParams{Init: sectionToParams(initRaw), Run: sectionToParams(runRaw)}
		}
		return OperatorParams{Init: mapToParams(t)}
	}
	return OperatorParams{}
}

func sectionToParams(raw any) []ParamValue {
	switch t := raw.(type) {
	case []any:
		return listToParams(t)
	case map[string]any:
		return mapToParams(t)
	}
	return nil
}

func listToParams(items []any) []ParamValue {
	out := make([]ParamValue, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		pv := ParamValue{
			Name:         name,
			Value:        DecodeValue(m["value"]),
			DefaultValue: DecodeValue(m["default_value"]),
		}
		if kind, ok := m["kind"].(string); ok {
			pv.Kind = ParamKind(kind)
		}
		if src, ok := m["source"].(string); ok {
			pv.Source = ParamSource(src)
		}
		out = append(out, pv)
	}
	return out
}

func mapToParams(m map[string]any) []ParamValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ParamValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, ParamValue{Name: k, Value: DecodeValue(m[k])})
	}
	return out
}
