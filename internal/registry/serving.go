package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

// MaskedValue stands in for a secret param value in API responses. An
// update carrying it keeps the stored value.
const MaskedValue = "******"

// SecretParam is the serving param hidden from API responses.
const SecretParam = "api_key"

type ServingParam struct {
	Name         string `json:"name" yaml:"name"`
	Value        any    `json:"value" yaml:"value"`
	DefaultValue any    `json:"default_value,omitempty" yaml:"default_value,omitempty"`
}

// ServingInfo is one configured serving instance.
type ServingInfo struct {
	ID      string         `json:"id,omitempty" yaml:"-"`
	Name    string         `json:"name" yaml:"name"`
	ClsName string         `json:"cls_name" yaml:"cls_name"`
	Params  []ServingParam `json:"params" yaml:"params"`
}

// ParamMap returns the params as name -> value.
func (s ServingInfo) ParamMap() map[string]any {
	out := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		out[p.Name] = p.Value
	}
	return out
}

// ServingRegistry stores serving configs in a YAML document keyed by id.
type ServingRegistry struct {
	docs    *store.Collection[ServingInfo]
	classes map[string][]models.ParamDef
}

// NewServingRegistry opens the registry at path. classes lists the
// constructor params of each serving class that may be configured.
func NewServingRegistry(path string, classes map[string][]models.ParamDef) *ServingRegistry {
	return &ServingRegistry{
		docs:    store.NewCollection[ServingInfo](path, store.YAML, ""),
		classes: classes,
	}
}

func (r *ServingRegistry) Get(id string) (ServingInfo, error) {
	info, err := r.docs.Get(id)
	if err != nil {
		return ServingInfo{}, err
	}
	info.ID = id
	return info, nil
}

func (r *ServingRegistry) GetAll() (map[string]ServingInfo, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	for id, info := range items {
		info.ID = id
		items[id] = info
	}
	return items, nil
}

// Ordered returns all servings sorted by name, then id.
func (r *ServingRegistry) Ordered() ([]ServingInfo, error) {
	items, err := r.GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]ServingInfo, 0, len(items))
	for _, info := range items {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Set stores a new serving config under a random id.
func (r *ServingRegistry) Set(name, clsName string, params []ServingParam) (string, error) {
	if err := r.checkClass(clsName); err != nil {
		return "", err
	}
	id, err := randomHex(8)
	if err != nil {
		return "", err
	}
	err = r.docs.Mutate(func(items map[string]ServingInfo) error {
		items[id] = ServingInfo{Name: name, ClsName: clsName, Params: params}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *ServingRegistry) Update(id, name string, params []ServingParam) error {
	return r.docs.Mutate(func(items map[string]ServingInfo) error {
		info, ok := items[id]
		if !ok {
			return ErrNotFound
		}
		if name != "" {
			info.Name = name
		}
		if params != nil {
			info.Params = keepMasked(info.Params, params)
		}
		items[id] = info
		return nil
	})
}

func (r *ServingRegistry) Delete(id string) error {
	return r.docs.Mutate(func(items map[string]ServingInfo) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}

// keepMasked replaces masked incoming values with the stored ones.
func keepMasked(stored, incoming []ServingParam) []ServingParam {
	prev := make(map[string]any, len(stored))
	for _, p := range stored {
		prev[p.Name] = p.Value
	}
	out := make([]ServingParam, len(incoming))
	for i, p := range incoming {
		if s, ok := p.Value.(string); ok && s == MaskedValue {
			p.Value = prev[p.Name]
		}
		out[i] = p
	}
	return out
}

// ServingClasses returns the declared constructor params of every serving
// class.
func (r *ServingRegistry) ServingClasses() map[string][]models.ParamDef {
	out := make(map[string][]models.ParamDef, len(r.classes))
	for name, params := range r.classes {
		out[name] = append([]models.ParamDef(nil), params...)
	}
	return out
}

func (r *ServingRegistry) checkClass(clsName string) error {
	if r.classes == nil {
		return nil
	}
	if _, ok := r.classes[clsName]; !ok {
		return fmt.Errorf("unknown serving class %q", clsName)
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
