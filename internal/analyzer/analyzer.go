// Package analyzer statically extracts operator order and arguments from
// pipeline definition files.
//
// A pipeline definition is a JavaScript class with a constructor that binds
// operators to instance fields and a forward method that runs them:
//
//	class ReasoningPipeline {
//	  constructor() {
//	    this.storage = new FileStorage({first_entry_file_name: "../data/in.jsonl"})
//	    this.filter = new TextLengthFilter({min_length: 10})
//	  }
//	  forward() {
//	    this.filter.run({storage: this.storage.step(), input_key: "text"})
//	  }
//	}
package analyzer

import (
	"fmt"
	"os"
	"reflect"
	"sort"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
	"go.uber.org/zap"
)

const (
	constructorMethod = "constructor"
	forwardMethod     = "forward"
	runMethod         = "run"
	entryFileKey      = "first_entry_file_name"
)

// OperatorCall is one run invocation found in the forward method.
type OperatorCall struct {
	Name     string           `json:"name"`
	Var      string           `json:"var"`
	Params   map[string]Value `json:"params"`
	Location [2]int           `json:"location"`
}

// Analysis is the result of analyzing one pipeline definition.
type Analysis struct {
	operators  []OperatorCall
	initParams map[string]map[string]Value
	runParams  map[string]map[string]Value
	entryFile  string
}

func empty() *Analysis {
	return &Analysis{
		operators:  []OperatorCall{},
		initParams: map[string]map[string]Value{},
		runParams:  map[string]map[string]Value{},
	}
}

// Operators returns the operator invocations in source order. An operator
// run twice appears twice.
func (a *Analysis) Operators() []OperatorCall {
	out := make([]OperatorCall, len(a.operators))
	copy(out, a.operators)
	return out
}

// OperatorNames returns the class names of Operators.
func (a *Analysis) OperatorNames() []string {
	names := make([]string, len(a.operators))
	for i, op := range a.operators {
		names[i] = op.Name
	}
	return names
}

// InitParamsByClass returns constructor keyword arguments keyed by class.
func (a *Analysis) InitParamsByClass() map[string]map[string]Value {
	return a.initParams
}

// RunParamsByClass returns run keyword arguments keyed by class.
func (a *Analysis) RunParamsByClass() map[string]map[string]Value {
	return a.runParams
}

// EntryFileName returns the first_entry_file_name literal, if any.
func (a *Analysis) EntryFileName() string {
	return a.entryFile
}

// AnalyzeFile reads and analyzes a pipeline definition file.
func AnalyzeFile(path string, log *zap.Logger) (*Analysis, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Analyze(path, string(src), log), nil
}

// Analyze parses src and extracts operators and their arguments. Parse
// failures are logged and produce an empty analysis.
func Analyze(filename, src string, log *zap.Logger) (result *Analysis) {
	if log == nil {
		log = zap.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline analysis panicked", zap.String("file", filename), zap.Any("panic", r))
			result = empty()
		}
	}()

	fset := &file.FileSet{}
	program, err := parser.ParseFile(fset, filename, src, 0)
	if err != nil {
		log.Warn("failed to parse pipeline file", zap.String("file", filename), zap.Error(err))
		return empty()
	}

	result = empty()
	result.entryFile = findEntryFile(program)

	class := findPipelineClass(program)
	if class == nil {
		return result
	}
	ctor := findMethod(class, constructorMethod)
	forward := findMethod(class, forwardMethod)
	if forward == nil {
		return result
	}

	varToClass := map[string]string{}
	if ctor != nil {
		walk(ctor, func(n ast.Node) {
			assign, ok := n.(*ast.AssignExpression)
			if !ok || assign.Operator != token.ASSIGN {
				return
			}
			field := thisField(assign.Left)
			if field == "" {
				return
			}
			callee, args := constructorCall(assign.Right)
			if callee == nil {
				return
			}
			className := calleeName(callee)
			if className == "" {
				return
			}
			varToClass[field] = className
			result.initParams[className] = keywordArgs(args)
		})
	}

	var calls []*ast.CallExpression
	walk(forward, func(n ast.Node) {
		call, ok := n.(*ast.CallExpression)
		if !ok {
			return
		}
		dot, ok := call.Callee.(*ast.DotExpression)
		if !ok || string(dot.Identifier.Name) != runMethod {
			return
		}
		if _, known := varToClass[thisField(dot.Left)]; known {
			calls = append(calls, call)
		}
	})
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Idx0() < calls[j].Idx0() })

	for _, call := range calls {
		dot := call.Callee.(*ast.DotExpression)
		field := thisField(dot.Left)
		className := varToClass[field]
		params := keywordArgs(call.ArgumentList)
		pos := fset.Position(dot.Identifier.Idx)
		result.operators = append(result.operators, OperatorCall{
			Name:     className,
			Var:      field,
			Params:   params,
			Location: [2]int{pos.Line, pos.Column},
		})
		result.runParams[className] = params
	}
	return result
}

// findPipelineClass returns the first class literal with a forward method.
func findPipelineClass(program *ast.Program) *ast.ClassLiteral {
	var classes []*ast.ClassLiteral
	walk(program, func(n ast.Node) {
		if c, ok := n.(*ast.ClassLiteral); ok {
			classes = append(classes, c)
		}
	})
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].Idx0() < classes[j].Idx0() })
	for _, c := range classes {
		if findMethod(c, forwardMethod) != nil {
			return c
		}
	}
	return nil
}

func findMethod(class *ast.ClassLiteral, name string) *ast.FunctionLiteral {
	for _, el := range class.Body {
		m, ok := el.(*ast.MethodDefinition)
		if !ok {
			continue
		}
		if propertyKeyName(m.Key) == name {
			return m.Body
		}
	}
	return nil
}

// thisField returns x for an expression of the form this.x.
func thisField(expr ast.Expression) string {
	dot, ok := expr.(*ast.DotExpression)
	if !ok {
		return ""
	}
	if _, ok := dot.Left.(*ast.ThisExpression); !ok {
		return ""
	}
	return string(dot.Identifier.Name)
}

func constructorCall(expr ast.Expression) (ast.Expression, []ast.Expression) {
	switch e := expr.(type) {
	case *ast.NewExpression:
		return e.Callee, e.ArgumentList
	case *ast.CallExpression:
		return e.Callee, e.ArgumentList
	}
	return nil, nil
}

// keywordArgs evaluates the properties of a single object-literal
// argument.
func keywordArgs(args []ast.Expression) map[string]Value {
	out := map[string]Value{}
	if len(args) == 0 {
		return out
	}
	obj, ok := args[0].(*ast.ObjectLiteral)
	if !ok {
		return out
	}
	for _, prop := range obj.Value {
		switch p := prop.(type) {
		case *ast.PropertyKeyed:
			if key := propertyKeyName(p.Key); key != "" {
				out[key] = evaluate(p.Value)
			}
		case *ast.PropertyShort:
			out[string(p.Name.Name)] = Unresolved
		}
	}
	return out
}

func findEntryFile(program *ast.Program) string {
	type hit struct {
		idx   file.Idx
		value string
	}
	var hits []hit
	walk(program, func(n ast.Node) {
		switch e := n.(type) {
		case *ast.PropertyKeyed:
			if propertyKeyName(e.Key) != entryFileKey {
				return
			}
			if s, ok := e.Value.(*ast.StringLiteral); ok {
				hits = append(hits, hit{e.Idx0(), string(s.Value)})
			}
		case *ast.AssignExpression:
			dot, ok := e.Left.(*ast.DotExpression)
			if !ok || string(dot.Identifier.Name) != entryFileKey {
				return
			}
			if s, ok := e.Right.(*ast.StringLiteral); ok {
				hits = append(hits, hit{e.Idx0(), string(s.Value)})
			}
		}
	})
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].idx < hits[j].idx })
	return hits[0].value
}

var (
	nodeType    = reflect.TypeOf((*ast.Node)(nil)).Elem()
	filePtrType = reflect.TypeOf((*file.File)(nil))
	fileSetType = reflect.TypeOf((*file.FileSet)(nil))
)

type visitKey struct {
	t reflect.Type
	p uintptr
}

// walk visits every AST node reachable from root once.
func walk(root any, visit func(ast.Node)) {
	seen := map[visitKey]bool{}
	walkValue(reflect.ValueOf(root), visit, seen)
}

func walkValue(v reflect.Value, visit func(ast.Node), seen map[visitKey]bool) {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		walkValue(v.Elem(), visit, seen)
	case reflect.Ptr:
		if v.IsNil() || v.Type() == filePtrType || v.Type() == fileSetType {
			return
		}
		key := visitKey{v.Type(), v.Pointer()}
		if seen[key] {
			return
		}
		seen[key] = true
		if v.Type().Implements(nodeType) {
			visit(v.Interface().(ast.Node))
		}
		walkValue(v.Elem(), visit, seen)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			walkValue(v.Field(i), visit, seen)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkValue(v.Index(i), visit, seen)
		}
	}
}
