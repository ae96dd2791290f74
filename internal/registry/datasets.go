// Package registry holds the file-backed registries of datasets, serving
// configs, text2sql databases, database managers and tasks.
package registry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/SelimCelen/dataflowhub/internal/storage"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

// ErrNotFound is returned when a registry entry does not exist.
var ErrNotFound = store.ErrNotFound

type Dataset struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	Root       string    `json:"root" yaml:"root"`
	Type       string    `json:"type" yaml:"type"`
	NumSamples *int      `json:"num_samples,omitempty" yaml:"num_samples,omitempty"`
	Hash       string    `json:"hash" yaml:"hash"`
	AddedAt    time.Time `json:"added_at" yaml:"added_at"`
}

// DatasetID derives the id of a dataset from its root path.
func DatasetID(root string) string {
	sum := md5.Sum([]byte(root))
	return hex.EncodeToString(sum[:])[:10]
}

type DatasetRegistry struct {
	docs *store.Collection[Dataset]
	now  func() time.Time
}

func NewDatasetRegistry(path string) *DatasetRegistry {
	return &DatasetRegistry{
		docs: store.NewCollection[Dataset](path, store.YAML, "datasets"),
		now:  time.Now,
	}
}

// AddOrUpdate registers the dataset at d.Root. The id and content hash are
// derived; name and type default from the file name.
func (r *DatasetRegistry) AddOrUpdate(d Dataset) (Dataset, error) {
	if d.Root == "" {
		return Dataset{}, fmt.Errorf("dataset root is required")
	}
	hash, err := fileMD5(d.Root)
	if err != nil {
		return Dataset{}, fmt.Errorf("hash dataset %s: %w", d.Root, err)
	}
	d.ID = DatasetID(d.Root)
	d.Hash = hash
	d.AddedAt = r.now().UTC()
	if d.Name == "" {
		d.Name = filepath.Base(d.Root)
	}
	if d.Type == "" {
		d.Type = strings.TrimPrefix(filepath.Ext(d.Root), ".")
	}
	if d.NumSamples == nil {
		if n, err := storage.CountRows(d.Root); err == nil {
			d.NumSamples = &n
		}
	}
	err = r.docs.Mutate(func(items map[string]Dataset) error {
		items[d.ID] = d
		return nil
	})
	if err != nil {
		return Dataset{}, err
	}
	return d, nil
}

func (r *DatasetRegistry) Get(id string) (Dataset, error) {
	return r.docs.Get(id)
}

// List returns all datasets sorted by id.
func (r *DatasetRegistry) List() ([]Dataset, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Dataset, 0, len(items))
	for _, d := range items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *DatasetRegistry) Remove(id string) error {
	return r.docs.Mutate(func(items map[string]Dataset) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
}

// FindByRoot returns the dataset whose root equals path.
func (r *DatasetRegistry) FindByRoot(path string) (Dataset, bool, error) {
	items, err := r.docs.Load()
	if err != nil {
		return Dataset{}, false, err
	}
	for _, d := range items {
		if d.Root == path {
			return d, true, nil
		}
	}
	return Dataset{}, false, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
