package engine

import (
	"errors"
	"fmt"
)

var errCancelled = errors.New("pipeline execution cancelled")

// EngineError is a pipeline failure with the context needed to locate it.
type EngineError struct {
	Message  string
	Context  map[string]any
	Original error
}

func (e *EngineError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Original)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Original }

func newError(msg string, ctx map[string]any, orig error) *EngineError {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &EngineError{Message: msg, Context: ctx, Original: orig}
}

// operatorIndex returns the operator_index recorded in the error context.
func (e *EngineError) operatorIndex() (int, bool) {
	i, ok := e.Context["operator_index"].(int)
	return i, ok
}

// clip renders v and cuts it to n characters.
func clip(v any, n int) string {
	s := fmt.Sprint(v)
	if len(s) <= n {
		return s
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func clipMap(m map[string]any, n int, skip string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == skip {
			continue
		}
		out[k] = clip(v, n)
	}
	return out
}
