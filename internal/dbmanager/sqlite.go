package dbmanager

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/SelimCelen/dataflowhub/internal/registry"
)

// schemaScanLimit bounds how much of a database file is searched for
// schema statements.
const schemaScanLimit = 4 << 20

// scanSQLite finds SQLite files under root by their header. A file in a
// top-level directory gets that directory's name as id, a file directly
// under root its stem.
func scanSQLite(root string) (map[string]DatabaseInfo, error) {
	out := map[string]DatabaseInfo{}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !registry.IsSQLiteFile(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			id = parts[0]
		}
		if _, dup := out[id]; dup {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[id] = DatabaseInfo{ID: id, Type: TypeSQLite, Path: path, Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sqlite root: %w", err)
	}
	return out, nil
}

var createKeywords = [][]byte{
	[]byte("CREATE TABLE"),
	[]byte("CREATE VIEW"),
}

// sqliteSchema extracts the CREATE TABLE and CREATE VIEW texts that SQLite
// keeps verbatim in its schema table.
func sqliteSchema(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, schemaScanLimit))
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(data, []byte(registry.SQLiteHeader)) {
		return "", registry.ErrNotSQLite
	}

	var stmts []string
	seen := map[string]bool{}
	for _, kw := range createKeywords {
		for off := 0; ; {
			i := bytes.Index(data[off:], kw)
			if i < 0 {
				break
			}
			start := off + i
			stmt, end := statementAt(data, start)
			off = end
			if stmt != "" && !seen[stmt] {
				seen[stmt] = true
				stmts = append(stmts, stmt)
			}
		}
	}
	return strings.Join(stmts, ";\n"), nil
}

// statementAt reads printable text from start up to the parenthesis that
// closes the first one opened.
func statementAt(data []byte, start int) (string, int) {
	depth := 0
	opened := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if c < 0x09 || c == 0x7f {
			return "", i
		}
		switch c {
		case '(':
			depth++
			opened = true
		case ')':
			depth--
			if opened && depth == 0 {
				return string(data[start : i+1]), i + 1
			}
		}
	}
	return "", len(data)
}
