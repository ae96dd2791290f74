package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TagTemplate = "template"
	TagPreset   = "preset"
)

type OperatorBinding struct {
	Name     string         `json:"name"`
	Params   OperatorParams `json:"params"`
	Location []int          `json:"location,omitempty"`
}

func (o *OperatorBinding) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name     string `json:"name"`
		Params   any    `json:"params"`
		Location []int  `json:"location"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.Name = raw.Name
	o.Params = NormalizeParams(raw.Params)
	o.Location = raw.Location
	return nil
}

// DatasetRef is either a bare dataset id or {id, location}.
type DatasetRef struct {
	ID       string `json:"id"`
	Location []int  `json:"location,omitempty"`
}

func (d DatasetRef) IsZero() bool { return d.ID == "" }

func (d DatasetRef) MarshalJSON() ([]byte, error) {
	if len(d.Location) == 0 {
		return json.Marshal(d.ID)
	}
	type plain DatasetRef
	return json.Marshal(plain(d))
}

func (d *DatasetRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = DatasetRef{}
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*d = DatasetRef{ID: id}
		return nil
	}
	type plain DatasetRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("input_dataset must be an id or an object: %w", err)
	}
	*d = DatasetRef(p)
	return nil
}

type PipelineConfig struct {
	FilePath     string            `json:"file_path,omitempty"`
	InputDataset DatasetRef        `json:"input_dataset"`
	Operators    []OperatorBinding `json:"operators"`
}

// OperatorNames returns the operator names in declared order.
func (c PipelineConfig) OperatorNames() []string {
	names := make([]string, len(c.Operators))
	for i, op := range c.Operators {
		names[i] = op.Name
	}
	return names
}

type PipelineDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Tags      []string       `json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Status    string         `json:"status"`
	Config    PipelineConfig `json:"config"`
}

// IsTemplate reports whether the pipeline was materialized from a
// pipeline definition file.
func (p *PipelineDefinition) IsTemplate() bool { return p.HasTag(TagTemplate) }

func (p *PipelineDefinition) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
