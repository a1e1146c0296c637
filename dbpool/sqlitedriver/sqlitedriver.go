// Package sqlitedriver backs dbpool's driver contract with
// modernc.org/sqlite, a pure-Go SQLite build, through database/sql. The
// connect params string is the SQLite datasource name: a file path,
// optionally with ?_pragma=... settings, or ":memory:" for an in-memory
// database.
package sqlitedriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lunetrt/lunet/dbpool"
)

// Driver implements dbpool.Driver over database/sql.
type Driver struct{}

// New returns the sqlite driver.
func New() Driver { return Driver{} }

// Connect opens (and pings) the datasource named by params.
func (Driver) Connect(ctx context.Context, params string) (dbpool.Native, error) {
	db, err := sql.Open("sqlite", params)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: open: %w", err)
	}
	// An in-memory database exists per connection; letting database/sql
	// grow the pool would silently hand queries an empty twin.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedriver: connect: %w", err)
	}
	return db, nil
}

// Exec runs a statement, returning the affected-row count and last insert
// rowid.
func (Driver) Exec(ctx context.Context, native dbpool.Native, sqlText string, params []any) (dbpool.ExecResult, error) {
	db := native.(*sql.DB)
	res, err := db.ExecContext(ctx, sqlText, params...)
	if err != nil {
		return dbpool.ExecResult{}, fmt.Errorf("sqlitedriver: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return dbpool.ExecResult{}, fmt.Errorf("sqlitedriver: exec: %w", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return dbpool.ExecResult{}, fmt.Errorf("sqlitedriver: exec: %w", err)
	}
	return dbpool.ExecResult{Affected: affected, LastInsertID: lastID}, nil
}

// Query runs a statement and materializes every row as a column-name to
// value mapping. SQLite's dynamic typing is canonicalized to int64,
// float64, string, or nil; BLOB columns come back as strings of raw
// bytes, owned copies safe to retain after the rows are closed.
func (Driver) Query(ctx context.Context, native dbpool.Native, sqlText string, params []any) ([]dbpool.Row, error) {
	db := native.(*sql.DB)
	rows, err := db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: query: %w", err)
	}

	var out []dbpool.Row
	for rows.Next() {
		values := make([]any, len(cols))
		scan := make([]any, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("sqlitedriver: scan: %w", err)
		}
		row := make(dbpool.Row, len(cols))
		for i, col := range cols {
			row[col] = canonical(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitedriver: query: %w", err)
	}
	return out, nil
}

func canonical(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int64, float64, string, nil:
		return x
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Escape doubles single quotes, SQLite's string-literal escaping rule.
// Callers should still prefer parameterized statements.
func (Driver) Escape(_ dbpool.Native, s string) (string, error) {
	return strings.ReplaceAll(s, "'", "''"), nil
}

// Close tears down the native connection.
func (Driver) Close(native dbpool.Native) error {
	return native.(*sql.DB).Close()
}
