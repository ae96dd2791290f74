package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

// Args wraps constructor or run keyword arguments with typed accessors
// that fall back to a declared default.
type Args map[string]any

func (a Args) String(name, def string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case models.ClassRef:
		return t.Name
	}
	return fmt.Sprint(v)
}

func (a Args) Float(name string, def float64) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("parameter %s: expected a number, got %T", name, v)
	}
	return f, nil
}

func (a Args) Int(name string, def int) (int, error) {
	f, err := a.Float(name, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func (a Args) Bool(name string, def bool) bool {
	v, ok := a[name].(bool)
	if !ok {
		return def
	}
	return v
}

func (a Args) StringMap(name string) map[string]string {
	out := map[string]string{}
	m, ok := a[name].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Text returns the string form of a row field.
func Text(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
