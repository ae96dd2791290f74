package plugin

import (
	"sort"
	"sync"
)

// Catalog holds the operator and prompt classes known to the process.
type Catalog struct {
	mu        sync.RWMutex
	operators map[string]OperatorClass
	prompts   map[string]PromptClass
}

func NewCatalog() *Catalog {
	return &Catalog{
		operators: make(map[string]OperatorClass),
		prompts:   make(map[string]PromptClass),
	}
}

func (c *Catalog) RegisterOperator(cls OperatorClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operators[cls.Name()] = cls
}

func (c *Catalog) RemoveOperator(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.operators, name)
}

func (c *Catalog) Operator(name string) (OperatorClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cls, ok := c.operators[name]
	return cls, ok
}

// Operators returns all operator classes sorted by name.
func (c *Catalog) Operators() []OperatorClass {
	c.mu.RLock()
	out := make([]OperatorClass, 0, len(c.operators))
	for _, cls := range c.operators {
		out = append(out, cls)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (c *Catalog) RegisterPrompt(cls PromptClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts[cls.Name()] = cls
}

func (c *Catalog) Prompt(name string) (PromptClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cls, ok := c.prompts[name]
	return cls, ok
}

// Prompts returns all prompt classes sorted by name.
func (c *Catalog) Prompts() []PromptClass {
	c.mu.RLock()
	out := make([]PromptClass, 0, len(c.prompts))
	for _, cls := range c.prompts {
		out = append(out, cls)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// OperatorPrompts maps each operator to its allowed prompt names.
func (c *Catalog) OperatorPrompts() map[string][]string {
	out := map[string][]string{}
	for _, cls := range c.Operators() {
		out[cls.Name()] = safeAllowedPrompts(cls)
	}
	return out
}

// PromptOperators maps each prompt to the operators that accept it.
func (c *Catalog) PromptOperators() map[string][]string {
	out := map[string][]string{}
	for _, cls := range c.Operators() {
		for _, p := range safeAllowedPrompts(cls) {
			out[p] = append(out[p], cls.Name())
		}
	}
	return out
}

func safeAllowedPrompts(cls OperatorClass) (prompts []string) {
	defer func() {
		if recover() != nil {
			prompts = nil
		}
	}()
	return cls.AllowedPrompts()
}
