package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Preset is one allow-list entry.
type Preset struct {
	File string   `yaml:"file"`
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags"`
}

// AllowList decides which file-derived pipelines are visible. A nil
// AllowList allows every preset.
type AllowList struct {
	byFile map[string]Preset
}

// LoadAllowList reads {presets: [{file, name, tags}]} from path. A missing
// file yields a nil list.
func LoadAllowList(path string) (*AllowList, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var doc struct {
		Presets []Preset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	return NewAllowList(doc.Presets...), nil
}

func NewAllowList(presets ...Preset) *AllowList {
	a := &AllowList{byFile: make(map[string]Preset, len(presets))}
	for _, p := range presets {
		a.byFile[filepath.Base(p.File)] = p
	}
	return a
}

func (a *AllowList) lookup(file string) (Preset, bool) {
	if a == nil {
		return Preset{}, false
	}
	p, ok := a.byFile[filepath.Base(file)]
	return p, ok
}

// Allowed reports whether the preset built from file is visible.
func (a *AllowList) Allowed(file string) bool {
	if a == nil {
		return true
	}
	_, ok := a.lookup(file)
	return ok
}
