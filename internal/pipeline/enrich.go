package pipeline

import (
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/analyzer"
	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
)

// OperatorSource provides the declared parameters of operator classes.
type OperatorSource interface {
	DeclaredParams(name string) (models.OperatorParameters, bool)
	AllowedPrompts(name string) []string
}

// fileValues are the arguments of one operator as written in its pipeline
// file.
type fileValues struct {
	init map[string]analyzer.Value
	run  map[string]analyzer.Value
}

// enrich computes the effective params of a binding. For each declared
// param the value is taken from the file, else the stored value, else the
// declared default, and for prompt_template only, the first allowed prompt.
// Stored params that are not declared are kept in run as DYNAMIC.
func (r *Registry) enrich(b models.OperatorBinding, file fileValues) models.OperatorBinding {
	decl, ok := r.ops.DeclaredParams(b.Name)
	if !ok {
		r.log.Warn("unknown operator, keeping stored params", zap.String("operator", b.Name))
		return b
	}
	stored := map[string]models.ParamValue{}
	var storedOrder []string
	for _, list := range [][]models.ParamValue{b.Params.Init, b.Params.Run} {
		for _, p := range list {
			if _, seen := stored[p.Name]; !seen {
				storedOrder = append(storedOrder, p.Name)
			}
			stored[p.Name] = p
		}
	}

	var prompts []string
	declared := map[string]bool{}
	init := make([]models.ParamValue, 0, len(decl.Init))
	for _, d := range decl.Init {
		declared[d.Name] = true
		if d.Name == plugin.ParamPromptTemplate && prompts == nil {
			prompts = r.ops.AllowedPrompts(b.Name)
		}
		init = append(init, resolveParam(d, file.init, stored, d.Name == plugin.ParamPromptTemplate, prompts))
	}
	run := make([]models.ParamValue, 0, len(decl.Run))
	for _, d := range decl.Run {
		declared[d.Name] = true
		run = append(run, resolveParam(d, file.run, stored, false, nil))
	}
	for _, name := range storedOrder {
		if declared[name] {
			continue
		}
		p := stored[name]
		p.Kind = models.KindDynamic
		run = append(run, p)
	}

	b.Params = models.OperatorParams{Init: init, Run: run}
	return b
}

func resolveParam(d models.ParamDef, file map[string]analyzer.Value, stored map[string]models.ParamValue, promptFallback bool, prompts []string) models.ParamValue {
	p := models.ParamValue{Name: d.Name, DefaultValue: d.Default, Kind: d.Kind}
	if p.Kind == "" {
		p.Kind = models.KindPositionalOrKeyword
	}
	if v, ok := file[d.Name]; ok && v.Known() {
		p.Value, p.Source = v.Interface(), models.SourceFile
		return p
	}
	if s, ok := stored[d.Name]; ok && s.Value != nil {
		p.Value, p.Source = s.Value, models.SourceStored
		if s.Source == models.SourceUser {
			p.Source = models.SourceUser
		}
		return p
	}
	if d.Default != nil {
		p.Value, p.Source = d.Default, models.SourceDefault
		return p
	}
	if promptFallback && len(prompts) > 0 {
		p.Value = models.ClassRef{Module: models.PromptModule, Name: prompts[0]}
		p.Source = models.SourcePrompt
	}
	return p
}

// mergeParams overlays provided values on a previous param list. A
// non-null provided value wins, then the stored value, then the default.
func mergeParams(prev, provided []models.ParamValue) []models.ParamValue {
	out := make([]models.ParamValue, len(prev))
	copy(out, prev)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.Name] = i
	}
	for _, p := range provided {
		i, ok := index[p.Name]
		if !ok {
			if p.Value != nil {
				p.Source = models.SourceUser
			}
			index[p.Name] = len(out)
			out = append(out, p)
			continue
		}
		cur := out[i]
		switch {
		case p.Value != nil:
			cur.Value, cur.Source = p.Value, models.SourceUser
		case cur.Value != nil:
		default:
			cur.Value = cur.DefaultValue
			if cur.Value != nil {
				cur.Source = models.SourceDefault
			}
		}
		out[i] = cur
	}
	return out
}

// seedBinding builds a binding for name with every declared param set to
// its default.
func (r *Registry) seedBinding(name string) models.OperatorBinding {
	b := models.OperatorBinding{Name: name}
	decl, ok := r.ops.DeclaredParams(name)
	if !ok {
		return b
	}
	seed := func(defs []models.ParamDef) []models.ParamValue {
		out := make([]models.ParamValue, 0, len(defs))
		for _, d := range defs {
			p := models.ParamValue{Name: d.Name, Value: d.Default, DefaultValue: d.Default, Kind: d.Kind}
			if d.Default != nil {
				p.Source = models.SourceDefault
			}
			out = append(out, p)
		}
		return out
	}
	b.Params = models.OperatorParams{Init: seed(decl.Init), Run: seed(decl.Run)}
	return b
}
