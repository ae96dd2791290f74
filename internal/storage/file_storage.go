// Package storage implements the step-indexed file storage that operators
// of one pipeline execution share.
package storage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	CacheJSONL = "jsonl"
	CacheJSON  = "json"

	DefaultPrefix = "dataflow_cache_step"
)

// Row is one record of a dataset.
type Row = map[string]any

// FileStorage is a cursor over per-step cache files. Step 0 reads the
// entry file; operator step N writes {prefix}_step{N+1}.
type FileStorage struct {
	firstEntry string
	cachePath  string
	prefix     string
	cacheType  string
	step       int
}

func New(firstEntry, cachePath, prefix, cacheType string) (*FileStorage, error) {
	if firstEntry == "" {
		return nil, errors.New("first entry file name is required")
	}
	if cacheType == "" {
		cacheType = CacheJSONL
	}
	if cacheType != CacheJSONL && cacheType != CacheJSON {
		return nil, fmt.Errorf("unsupported cache type %q", cacheType)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := os.MkdirAll(cachePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStorage{
		firstEntry: firstEntry,
		cachePath:  cachePath,
		prefix:     prefix,
		cacheType:  cacheType,
		step:       -1,
	}, nil
}

// Step advances the cursor and returns a copy pinned to the new step.
func (s *FileStorage) Step() *FileStorage {
	s.step++
	cp := *s
	return &cp
}

func (s *FileStorage) OperatorStep() int { return s.step }
func (s *FileStorage) FirstEntry() string { return s.firstEntry }
func (s *FileStorage) CachePath() string { return s.cachePath }
func (s *FileStorage) Prefix() string { return s.prefix }
func (s *FileStorage) CacheType() string { return s.cacheType }

// CacheFilePath returns the cache file of a step.
func (s *FileStorage) CacheFilePath(step int) string {
	return CacheFilePath(s.cachePath, s.prefix, s.cacheType, step)
}

// CacheFilePath returns {cachePath}/{prefix}_step{step}.{cacheType}.
func CacheFilePath(cachePath, prefix, cacheType string, step int) string {
	return filepath.Join(cachePath, fmt.Sprintf("%s_step%d.%s", prefix, step, cacheType))
}

// Read returns the rows visible at the current step.
func (s *FileStorage) Read() ([]Row, error) {
	if s.step < 0 {
		return nil, errors.New("storage cursor not stepped")
	}
	path := s.firstEntry
	if s.step > 0 {
		path = s.CacheFilePath(s.step)
	}
	rows, _, err := ReadRows(path, -1)
	return rows, err
}

// Write stores rows as the output of the current step.
func (s *FileStorage) Write(rows []Row) error {
	if s.step < 0 {
		return errors.New("storage cursor not stepped")
	}
	path := s.CacheFilePath(s.step + 1)
	var buf bytes.Buffer
	switch s.cacheType {
	case CacheJSON:
		if rows == nil {
			rows = []Row{}
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return err
		}
	default:
		enc := json.NewEncoder(&buf)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadRows reads up to limit rows from a .jsonl, .json or .csv file and
// returns the total number of rows. A negative limit reads everything.
// Undecodable jsonl lines count toward the total but are not returned.
func ReadRows(path string, limit int) ([]Row, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return readJSON(path, limit)
	case ".csv":
		return readCSV(path, limit)
	default:
		return readJSONL(path, limit)
	}
}

// CountRows returns the number of records in a step file.
func CountRows(path string) (int, error) {
	_, total, err := ReadRows(path, 0)
	return total, err
}

func readJSONL(path string, limit int) ([]Row, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var rows []Row
	total := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		total++
		if limit >= 0 && len(rows) >= limit {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		rows = append(rows, r)
	}
	return rows, total, sc.Err()
}

func readJSON(path string, limit int) ([]Row, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var all []Row
	if err := json.Unmarshal(b, &all); err != nil {
		var single Row
		if err2 := json.Unmarshal(b, &single); err2 != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", path, err)
		}
		all = []Row{single}
	}
	if limit >= 0 && len(all) > limit {
		return all[:limit], len(all), nil
	}
	return all, len(all), nil
}

func readCSV(path string, limit int) ([]Row, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var rows []Row
	total := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, total, err
		}
		total++
		if limit >= 0 && len(rows) >= limit {
			continue
		}
		row := make(Row, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, total, nil
}
