package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClassRef names a class in a module. It is carried through pipeline
// configs wherever a prompt template or other class is referenced.
type ClassRef struct {
	Module string `json:"module" yaml:"module"`
	Name   string `json:"name" yaml:"name"`
}

const classRefKey = "$class"

// PromptModule is the module assumed for prompt templates that are only
// known by their constructor name.
const PromptModule = "dataflow.prompts"

// Path returns the dotted path of the class.
func (c ClassRef) Path() string {
	if c.Module == "" {
		return c.Name
	}
	return c.Module + "." + c.Name
}

// String renders the legacy "<class 'module.Name'>" tag.
func (c ClassRef) String() string {
	return fmt.Sprintf("<class '%s'>", c.Path())
}

func (c ClassRef) MarshalJSON() ([]byte, error) {
	type plain ClassRef
	return json.Marshal(map[string]plain{classRefKey: plain(c)})
}

func (c *ClassRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		ref, ok := ParseClassRef(s)
		if !ok {
			return fmt.Errorf("invalid class reference %q", s)
		}
		*c = ref
		return nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[classRefKey]
	if !ok {
		return fmt.Errorf("class reference missing %q", classRefKey)
	}
	type plain ClassRef
	var p plain
	if err := json.Unmarshal(inner, &p); err != nil {
		return err
	}
	*c = ClassRef(p)
	return nil
}

// ParseClassRef accepts a legacy tag, a dotted path or a bare class name.
func ParseClassRef(s string) (ClassRef, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ClassRef{}, false
	}
	if strings.Contains(s, "<class '") && strings.Contains(s, "'>") {
		parts := strings.Split(s, "'")
		if len(parts) < 2 || parts[1] == "" {
			return ClassRef{}, false
		}
		s = parts[1]
	}
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return ClassRef{Name: s}, true
	}
	if idx == len(s)-1 {
		return ClassRef{}, false
	}
	return ClassRef{Module: s[:idx], Name: s[idx+1:]}, true
}

// ClassName extracts a class name from a ClassRef, a legacy tag string or a
// decoded {"$class": {...}} map. Any other value is returned unchanged.
func ClassName(v any) any {
	switch t := v.(type) {
	case ClassRef:
		return t.Name
	case *ClassRef:
		if t == nil {
			return nil
		}
		return t.Name
	case string:
		if strings.Contains(t, "<class '") && strings.Contains(t, "'>") {
			if ref, ok := ParseClassRef(t); ok {
				return ref.Name
			}
		}
		return t
	case map[string]any:
		if ref, ok := classRefFromMap(t); ok {
			return ref.Name
		}
	}
	return v
}

// DecodeValue walks a value decoded from JSON and turns {"$class": {...}}
// objects back into ClassRef values.
func DecodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := classRefFromMap(t); ok {
			return ref
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = DecodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = DecodeValue(item)
		}
		return out
	}
	return v
}

func classRefFromMap(m map[string]any) (ClassRef, bool) {
	if len(m) != 1 {
		return ClassRef{}, false
	}
	inner, ok := m[classRefKey].(map[string]any)
	if !ok {
		return ClassRef{}, false
	}
	name, _ := inner["name"].(string)
	if name == "" {
		return ClassRef{}, false
	}
	module, _ := inner["module"].(string)
	return ClassRef{Module: module, Name: name}, true
}
