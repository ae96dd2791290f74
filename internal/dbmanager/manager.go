// Package dbmanager discovers the databases a text2sql operator may query
// and describes their schemas.
package dbmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

var (
	ErrUnsupportedType = errors.New("unsupported database type")
	ErrUnknownDatabase = errors.New("unknown database")
)

type DatabaseInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// Path is the file of a SQLite database; empty for server databases.
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Manager is a set of databases of one type.
type Manager struct {
	DBType    string
	Databases map[string]DatabaseInfo

	root string
	dsn  string
}

// New discovers databases. sqlite reads config root_path; postgres reads
// config dsn.
func New(ctx context.Context, dbType string, config map[string]any) (*Manager, error) {
	if dbType == "" {
		dbType = TypeSQLite
	}
	str := func(key string) string {
		s, _ := config[key].(string)
		return s
	}
	m := &Manager{DBType: dbType, Databases: map[string]DatabaseInfo{}}
	switch dbType {
	case TypeSQLite:
		m.root = str("root_path")
		if m.root == "" {
			return nil, errors.New("sqlite manager needs config.root_path")
		}
		dbs, err := scanSQLite(m.root)
		if err != nil {
			return nil, err
		}
		m.Databases = dbs
	case TypePostgres:
		m.dsn = str("dsn")
		if m.dsn == "" {
			return nil, errors.New("postgres manager needs config.dsn")
		}
		dbs, err := listPostgres(ctx, m.dsn)
		if err != nil {
			return nil, err
		}
		m.Databases = dbs
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dbType)
	}
	return m, nil
}

// Filter returns a manager restricted to ids. Unknown ids are ignored.
func (m *Manager) Filter(ids []string) *Manager {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := &Manager{DBType: m.DBType, Databases: map[string]DatabaseInfo{}, root: m.root, dsn: m.dsn}
	for id, info := range m.Databases {
		if keep[id] {
			out.Databases[id] = info
		}
	}
	return out
}

// DatabaseIDs returns the database ids sorted.
func (m *Manager) DatabaseIDs() []string {
	ids := make([]string, 0, len(m.Databases))
	for id := range m.Databases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schema returns the CREATE statements of a database.
func (m *Manager) Schema(ctx context.Context, dbID string) (string, error) {
	info, ok := m.Databases[dbID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDatabase, dbID)
	}
	switch m.DBType {
	case TypeSQLite:
		return sqliteSchema(info.Path)
	case TypePostgres:
		return postgresSchema(ctx, m.dsn, dbID)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, m.DBType)
}
