package analyzer

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

// Value is the result of statically evaluating an argument expression.
// An unresolved value needs runtime context and is distinct from a
// resolved null.
type Value struct {
	v  any
	ok bool
}

// Resolved wraps a value that was determined statically.
func Resolved(v any) Value { return Value{v: v, ok: true} }

// Unresolved marks an expression that could not be evaluated statically.
var Unresolved = Value{}

func (v Value) IsResolved() bool { return v.ok }

// Get returns the value and whether it was resolved.
func (v Value) Get() (any, bool) { return v.v, v.ok }

// Interface returns the resolved value, or nil when unresolved.
func (v Value) Interface() any {
	if !v.ok {
		return nil
	}
	return v.v
}

// Known reports whether the value was resolved to something other than
// null.
func (v Value) Known() bool { return v.ok && v.v != nil }

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// evaluate converts an argument expression into a plain value.
//
//	literals, arrays, object literals   resolved recursively
//	identifiers and this.x reads        unresolved
//	other member chains a.b.C           ClassRef{a.b, C}
//	calls to *Prompt*                   ClassRef{dataflow.prompts, Name}
//	everything else                     unresolved
func evaluate(expr ast.Expression) Value {
	switch n := expr.(type) {
	case nil:
		return Unresolved
	case *ast.StringLiteral:
		return Resolved(string(n.Value))
	case *ast.NumberLiteral:
		return Resolved(n.Value)
	case *ast.BooleanLiteral:
		return Resolved(n.Value)
	case *ast.NullLiteral:
		return Resolved(nil)
	case *ast.UnaryExpression:
		return evaluateUnary(n)
	case *ast.ArrayLiteral:
		out := make([]any, len(n.Value))
		for i, item := range n.Value {
			out[i] = evaluate(item).Interface()
		}
		return Resolved(out)
	case *ast.ObjectLiteral:
		out := make(map[string]any, len(n.Value))
		for _, prop := range n.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				key := propertyKeyName(p.Key)
				if key == "" {
					continue
				}
				out[key] = evaluate(p.Value).Interface()
			case *ast.PropertyShort:
				out[string(p.Name.Name)] = nil
			}
		}
		return Resolved(out)
	case *ast.Identifier, *ast.ThisExpression:
		return Unresolved
	case *ast.DotExpression:
		if rootedAtThis(n) {
			return Unresolved
		}
		path, ok := dottedPath(n)
		if !ok {
			return Unresolved
		}
		ref, ok := models.ParseClassRef(path)
		if !ok {
			return Unresolved
		}
		return Resolved(ref)
	case *ast.CallExpression:
		return promptRef(n.Callee)
	case *ast.NewExpression:
		return promptRef(n.Callee)
	}
	return Unresolved
}

func evaluateUnary(n *ast.UnaryExpression) Value {
	if n.Operator != token.MINUS && n.Operator != token.PLUS {
		return Unresolved
	}
	lit, ok := n.Operand.(*ast.NumberLiteral)
	if !ok {
		return Unresolved
	}
	if n.Operator == token.PLUS {
		return Resolved(lit.Value)
	}
	switch num := lit.Value.(type) {
	case int64:
		if num == math.MinInt64 {
			return Resolved(-float64(num))
		}
		return Resolved(-num)
	case float64:
		return Resolved(-num)
	}
	return Unresolved
}

func promptRef(callee ast.Expression) Value {
	name := calleeName(callee)
	if strings.Contains(name, "Prompt") {
		return Resolved(models.ClassRef{Module: models.PromptModule, Name: name})
	}
	return Unresolved
}

// calleeName returns the last name segment of a callee expression.
func calleeName(callee ast.Expression) string {
	switch c := callee.(type) {
	case *ast.Identifier:
		return string(c.Name)
	case *ast.DotExpression:
		return string(c.Identifier.Name)
	}
	return ""
}

func dottedPath(n *ast.DotExpression) (string, bool) {
	var prefix string
	switch left := n.Left.(type) {
	case *ast.Identifier:
		prefix = string(left.Name)
	case *ast.DotExpression:
		p, ok := dottedPath(left)
		if !ok {
			return "", false
		}
		prefix = p
	default:
		return "", false
	}
	return prefix + "." + string(n.Identifier.Name), true
}

func rootedAtThis(n *ast.DotExpression) bool {
	switch left := n.Left.(type) {
	case *ast.ThisExpression:
		return true
	case *ast.DotExpression:
		return rootedAtThis(left)
	}
	return false
}

func propertyKeyName(key ast.Expression) string {
	switch k := key.(type) {
	case *ast.StringLiteral:
		return string(k.Value)
	case *ast.Identifier:
		return string(k.Name)
	case *ast.NumberLiteral:
		return k.Literal
	}
	return ""
}
