package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/SelimCelen/dataflowhub/internal/store"
)

// SQLiteHeader is the magic prefix of every SQLite 3 database file.
const SQLiteHeader = "SQLite format 3\x00"

var (
	ErrNotSQLite      = errors.New("file is not a valid SQLite database")
	ErrUnsupportedExt = errors.New("only .db/.sqlite/.sqlite3 files are supported")

	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

type SQLiteDatabase struct {
	ID          string    `json:"id" yaml:"-"`
	Name        string    `json:"name" yaml:"name"`
	FileName    string    `json:"file_name" yaml:"file_name"`
	Path        string    `json:"path" yaml:"path"`
	Size        int64     `json:"size" yaml:"size"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at" yaml:"uploaded_at"`
}

// Text2SQLRegistry keeps SQLite files under sqliteRoot/{db_id}/ and indexes
// them in a YAML document.
type Text2SQLRegistry struct {
	root string
	docs *store.Collection[SQLiteDatabase]
	now  func() time.Time
}

func NewText2SQLRegistry(path, sqliteRoot string) *Text2SQLRegistry {
	return &Text2SQLRegistry{
		root: sqliteRoot,
		docs: store.NewCollection[SQLiteDatabase](path, store.YAML, "databases"),
		now:  time.Now,
	}
}

func (r *Text2SQLRegistry) Root() string { return r.root }

// IsSQLiteFile reports whether path starts with the SQLite header.
func IsSQLiteFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, len(SQLiteHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return bytes.Equal(header, []byte(SQLiteHeader))
}

func hasSQLiteExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// Register copies the SQLite file at src into the registry.
func (r *Text2SQLRegistry) Register(src, name, description string) (SQLiteDatabase, error) {
	fileName := unsafeChars.ReplaceAllString(filepath.Base(src), "_")
	if !hasSQLiteExt(fileName) {
		return SQLiteDatabase{}, ErrUnsupportedExt
	}
	if !IsSQLiteFile(src) {
		return SQLiteDatabase{}, ErrNotSQLite
	}
	suffix, err := randomHex(3)
	if err != nil {
		return SQLiteDatabase{}, err
	}
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	id := stem + "_" + suffix

	dir := filepath.Join(r.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SQLiteDatabase{}, fmt.Errorf("create database dir: %w", err)
	}
	dest := filepath.Join(dir, fileName)
	size, err := copyFile(src, dest)
	if err != nil {
		os.RemoveAll(dir)
		return SQLiteDatabase{}, err
	}
	if name == "" {
		name = stem
	}
	db := SQLiteDatabase{
		ID:          id,
		Name:        name,
		FileName:    fileName,
		Path:        dest,
		Size:        size,
		Description: description,
		UploadedAt:  r.now().UTC(),
	}
	err = r.docs.Mutate(func(items map[string]SQLiteDatabase) error {
		items[id] = db
		return nil
	})
	if err != nil {
		os.RemoveAll(dir)
		return SQLiteDatabase{}, err
	}
	return db, nil
}

func (r *Text2SQLRegistry) Get(id string) (SQLiteDatabase, error) {
	db, err := r.docs.Get(id)
	if err != nil {
		return SQLiteDatabase{}, err
	}
	db.ID = id
	return db, nil
}

func (r *Text2SQLRegistry) List() ([]SQLiteDatabase, error) {
	items, err := r.docs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]SQLiteDatabase, 0, len(items))
	for id, db := range items {
		db.ID = id
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Rename changes the display name of a database.
func (r *Text2SQLRegistry) Rename(id, name string) error {
	return r.docs.Mutate(func(items map[string]SQLiteDatabase) error {
		db, ok := items[id]
		if !ok {
			return ErrNotFound
		}
		if name != "" {
			db.Name = name
		}
		items[id] = db
		return nil
	})
}

// Delete removes the index entry and the database directory.
func (r *Text2SQLRegistry) Delete(id string) error {
	err := r.docs.Mutate(func(items map[string]SQLiteDatabase) error {
		if _, ok := items[id]; !ok {
			return ErrNotFound
		}
		delete(items, id)
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(r.root, id))
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("copy database: %w", err)
	}
	return n, nil
}
