package dbmanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const pingTimeout = 5 * time.Second

func openPostgres(ctx context.Context, dsn, database string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if database != "" {
		cfg.Database = database
	}
	db := stdlib.OpenDB(*cfg)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func listPostgres(ctx context.Context, dsn string) (map[string]DatabaseInfo, error) {
	db, err := openPostgres(ctx, dsn, "")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT datname FROM pg_database WHERE NOT datistemplate AND datallowconn ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()
	out := map[string]DatabaseInfo{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = DatabaseInfo{ID: name, Type: TypePostgres}
	}
	return out, rows.Err()
}

// postgresSchema renders the public tables of a database as CREATE TABLE
// statements built from information_schema.
func postgresSchema(ctx context.Context, dsn, database string) (string, error) {
	db, err := openPostgres(ctx, dsn, database)
	if err != nil {
		return "", err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	var (
		tables []string
		cols   = map[string][]string{}
	)
	for rows.Next() {
		var table, col, typ string
		if err := rows.Scan(&table, &col, &typ); err != nil {
			return "", err
		}
		if _, ok := cols[table]; !ok {
			tables = append(tables, table)
		}
		cols[table] = append(cols[table], col+" "+typ)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	stmts := make([]string, len(tables))
	for i, t := range tables {
		stmts[i] = fmt.Sprintf("CREATE TABLE %s (%s)", t, strings.Join(cols[t], ", "))
	}
	return strings.Join(stmts, ";\n"), nil
}
