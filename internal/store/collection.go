// Package store persists records in single-writer documents on disk or in
// MongoDB.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent update conflict")
	ErrTerminal = errors.New("record is in a terminal status")
)

type Format int

const (
	JSON Format = iota
	YAML
)

// Collection is a map of items kept in one JSON or YAML document. Items
// live under a root key, or at the top level when root is empty. Reads
// also accept the alias keys. All access goes through one mutex so the
// file has a single writer in this process.
type Collection[T any] struct {
	mu      sync.Mutex
	path    string
	format  Format
	root    string
	aliases []string
}

func NewCollection[T any](path string, format Format, root string, aliases ...string) *Collection[T] {
	return &Collection[T]{path: path, format: format, root: root, aliases: aliases}
}

func (c *Collection[T]) Path() string { return c.path }

// Load returns a snapshot of all items.
func (c *Collection[T]) Load() (map[string]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// Get returns one item.
func (c *Collection[T]) Get(id string) (T, error) {
	items, err := c.Load()
	if err != nil {
		var zero T
		return zero, err
	}
	item, ok := items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return item, nil
}

// Mutate reads the document, applies fn and writes the result back. The
// document is left untouched when fn returns an error.
func (c *Collection[T]) Mutate(fn func(items map[string]T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, err := c.read()
	if err != nil {
		return err
	}
	if err := fn(items); err != nil {
		return err
	}
	return c.write(items)
}

func (c *Collection[T]) read() (map[string]T, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]T{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", c.path, err)
	}
	if len(data) == 0 {
		return map[string]T{}, nil
	}

	if c.root == "" {
		items := map[string]T{}
		if err := c.unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.path, err)
		}
		return items, nil
	}

	doc := map[string]map[string]T{}
	if err := c.unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.path, err)
	}
	for _, key := range append([]string{c.root}, c.aliases...) {
		if items, ok := doc[key]; ok && items != nil {
			return items, nil
		}
	}
	return map[string]T{}, nil
}

func (c *Collection[T]) write(items map[string]T) error {
	var doc any = items
	if c.root != "" {
		doc = map[string]map[string]T{c.root: items}
	}
	data, err := c.marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.path, err)
	}
	return WriteFileAtomic(c.path, data)
}

func (c *Collection[T]) unmarshal(data []byte, v any) error {
	if c.format == YAML {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (c *Collection[T]) marshal(v any) ([]byte, error) {
	if c.format == YAML {
		return yaml.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
