package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/storage"
)

// DefaultScriptModule is used when a script's meta object names no module.
const DefaultScriptModule = "dataflow.operators.script"

// ScriptClass is an operator class backed by a JavaScript source. The
// script declares a meta object and a run function:
//
//	var meta = {
//	  module: "dataflow.operators.core_text.filter",
//	  type: ["operators", "core_text", "filter"],
//	  init_params: [{name: "threshold", default: 0.5}],
//	  run_params: [{name: "input_key", default: "text"}],
//	  allowed_prompts: []
//	};
//	function run(ctx) { return ctx.rows.filter(function (r) { return r.score > ctx.init.threshold; }); }
type ScriptClass struct {
	name     string
	source   string
	program  *goja.Program
	module   string
	typePath []string
	init     []models.ParamDef
	run      []models.ParamDef
	prompts  []string
	descArgs int
	timeout  time.Duration
}

// NewScriptClass compiles src and reads its meta object.
func NewScriptClass(name, src string, timeout time.Duration) (*ScriptClass, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	cls := &ScriptClass{
		name:    name,
		source:  src,
		program: program,
		module:  DefaultScriptModule,
		timeout: timeout,
	}

	vm := newSandbox(io.Discard)
	if _, err := runBounded(context.Background(), vm, timeout, func() (goja.Value, error) {
		return vm.RunProgram(program)
	}); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", name, err)
	}
	if _, ok := goja.AssertFunction(vm.Get("run")); !ok {
		return nil, fmt.Errorf("script %s does not define a run function", name)
	}
	if meta, ok := exportMap(vm.Get("meta")); ok {
		cls.applyMeta(meta)
	}
	if fn := vm.Get("get_desc"); fn != nil {
		if _, ok := goja.AssertFunction(fn); ok {
			cls.descArgs = int(fn.ToObject(vm).Get("length").ToInteger())
		}
	}
	return cls, nil
}

func (c *ScriptClass) applyMeta(meta map[string]any) {
	if s, ok := meta["name"].(string); ok && s != "" {
		c.name = s
	}
	if s, ok := meta["module"].(string); ok && s != "" {
		c.module = s
	}
	c.typePath = stringList(meta["type"])
	c.init = paramList(meta["init_params"])
	c.run = paramList(meta["run_params"])
	c.prompts = stringList(meta["allowed_prompts"])
}

func (c *ScriptClass) Name() string                  { return c.name }
func (c *ScriptClass) Module() string                { return c.module }
func (c *ScriptClass) TypePath() []string            { return c.typePath }
func (c *ScriptClass) InitParams() []models.ParamDef { return c.init }
func (c *ScriptClass) RunParams() []models.ParamDef  { return c.run }
func (c *ScriptClass) AllowedPrompts() []string      { return c.prompts }
func (c *ScriptClass) Source() string                { return c.source }

// Describe calls get_desc(lang) or get_desc(self, lang). Any other arity
// counts as no description.
func (c *ScriptClass) Describe(lang string) ([]string, error) {
	if c.descArgs != 1 && c.descArgs != 2 {
		return nil, ErrNoDescription
	}
	vm := newSandbox(io.Discard)
	v, err := runBounded(context.Background(), vm, c.timeout, func() (goja.Value, error) {
		if _, err := vm.RunProgram(c.program); err != nil {
			return nil, err
		}
		fn, _ := goja.AssertFunction(vm.Get("get_desc"))
		if c.descArgs == 1 {
			return fn(goja.Undefined(), vm.ToValue(lang))
		}
		return fn(goja.Undefined(), goja.Null(), vm.ToValue(lang))
	})
	if err != nil {
		return nil, err
	}
	switch d := v.Export().(type) {
	case string:
		return []string{d}, nil
	case []any:
		return stringList(d), nil
	}
	return nil, ErrNoDescription
}

func (c *ScriptClass) New(args map[string]any) (Operator, error) {
	op := &scriptOperator{class: c, params: map[string]any{}}
	for k, v := range args {
		switch k {
		case ParamLLMServing:
			op.llm, _ = v.(LLMServing)
		case ParamEmbeddingServing:
			op.emb, _ = v.(EmbeddingServing)
		case ParamPromptTemplate:
			op.prompt, _ = v.(Prompt)
		case ParamDatabaseManager:
			if dbs, ok := v.(DatabaseManager); ok {
				op.params[k] = dbs.DatabaseIDs()
			}
		default:
			op.params[k] = models.ClassName(v)
		}
	}
	return op, nil
}

type scriptOperator struct {
	class  *ScriptClass
	params map[string]any
	llm    LLMServing
	emb    EmbeddingServing
	prompt Prompt
}

func (o *scriptOperator) Run(ctx context.Context, inv Invocation) error {
	if inv.Storage == nil {
		return errors.New("storage is required")
	}
	rows, err := inv.Storage.Read()
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	stdout := inv.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	vm := newSandbox(stdout)
	o.bindHelpers(ctx, vm)

	input := make([]any, len(rows))
	for i, r := range rows {
		input[i] = map[string]any(r)
	}
	runParams := map[string]any{}
	for k, v := range inv.Params {
		if k == ParamStorage {
			continue
		}
		runParams[k] = models.ClassName(v)
	}

	v, err := runBounded(ctx, vm, o.class.timeout, func() (goja.Value, error) {
		if _, err := vm.RunProgram(o.class.program); err != nil {
			return nil, err
		}
		var state goja.Value = goja.Undefined()
		if initFn, ok := goja.AssertFunction(vm.Get("init")); ok {
			s, err := initFn(goja.Undefined(), vm.ToValue(o.params))
			if err != nil {
				return nil, err
			}
			state = s
		}
		runFn, _ := goja.AssertFunction(vm.Get("run"))
		arg := vm.NewObject()
		_ = arg.Set("rows", input)
		_ = arg.Set("params", runParams)
		_ = arg.Set("init", o.params)
		_ = arg.Set("state", state)
		return runFn(goja.Undefined(), arg)
	})
	if err != nil {
		return fmt.Errorf("script %s: %w", o.class.name, err)
	}
	out, err := exportRows(v)
	if err != nil {
		return fmt.Errorf("script %s: %w", o.class.name, err)
	}
	return inv.Storage.Write(out)
}

func (o *scriptOperator) bindHelpers(ctx context.Context, vm *goja.Runtime) {
	if o.llm != nil {
		_ = vm.Set("generate", func(call goja.FunctionCall) goja.Value {
			var prompts []string
			for _, a := range call.Arguments {
				prompts = append(prompts, stringList(a.Export())...)
			}
			answers, err := o.llm.Generate(ctx, "", prompts)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(answers)
		})
	}
	if o.emb != nil {
		_ = vm.Set("embed", func(call goja.FunctionCall) goja.Value {
			vectors, err := o.emb.Embed(ctx, stringList(call.Argument(0).Export()))
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(vectors)
		})
	}
	if o.prompt != nil {
		_ = vm.Set("build_prompt", func(call goja.FunctionCall) goja.Value {
			vars, _ := call.Argument(0).Export().(map[string]any)
			return vm.ToValue(o.prompt.Build(vars))
		})
	}
}

// newSandbox returns a runtime without module loading whose print and
// console.log write to out.
func newSandbox(out io.Writer) *goja.Runtime {
	vm := goja.New()
	for _, name := range []string{"require", "load", "import"} {
		_ = vm.Set(name, goja.Undefined())
	}
	printFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := vm.NewObject()
	_ = console.Set("log", printFn)
	_ = console.Set("error", printFn)
	_ = vm.Set("console", console)
	_ = vm.Set("print", printFn)
	return vm
}

// runBounded runs fn and interrupts the runtime when the timeout elapses
// or ctx is cancelled.
func runBounded(ctx context.Context, vm *goja.Runtime, timeout time.Duration, fn func() (goja.Value, error)) (goja.Value, error) {
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt(fmt.Sprintf("execution timed out after %v", timeout))
		})
		defer timer.Stop()
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	v, err := fn()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%v", interrupted.Value())
		}
		return nil, err
	}
	return v, nil
}

func exportRows(v goja.Value) ([]storage.Row, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return []storage.Row{}, nil
	}
	items, ok := v.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("run must return an array of rows, got %T", v.Export())
	}
	out := make([]storage.Row, 0, len(items))
	for i, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("row %d is %T, not an object", i, item)
		}
		out = append(out, row)
	}
	return out, nil
}

func exportMap(v goja.Value) (map[string]any, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	m, ok := v.Export().(map[string]any)
	return m, ok
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		if s, ok := v.(string); ok {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func paramList(v any) []models.ParamDef {
	items, _ := v.([]any)
	out := make([]models.ParamDef, 0, len(items))
	for _, item := range items {
		switch p := item.(type) {
		case string:
			out = append(out, param(p, nil))
		case map[string]any:
			name, _ := p["name"].(string)
			if name == "" {
				continue
			}
			def := param(name, p["default"])
			if kind, ok := p["kind"].(string); ok && kind != "" {
				def.Kind = models.ParamKind(kind)
			}
			out = append(out, def)
		}
	}
	return out
}
