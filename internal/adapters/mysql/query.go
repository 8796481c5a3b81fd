package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// columnCache memoizes the per-table change-tracking column lookup.
var columnCacheMu sync.Mutex

func (a *Adapter) columnCacheKey(schema, table string) string {
	return schema + "." + table
}

// changeColumn reports whether the table carries the configured timestamp
// column, returning the column name or "" when absent.
func (a *Adapter) changeColumn(ctx context.Context, db *sql.DB, schema, table, column string) (string, error) {
	key := a.columnCacheKey(schema, table)
	columnCacheMu.Lock()
	if a.columns == nil {
		a.columns = make(map[string]*string)
	}
	if cached, ok := a.columns[key]; ok {
		columnCacheMu.Unlock()
		return *cached, nil
	}
	columnCacheMu.Unlock()

	query := `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
		  AND table_name = ? AND column_name = ?`
	var count int
	if err := db.QueryRowContext(ctx, query, schema, table, column).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to inspect columns of %s.%s: %w", schema, table, err)
	}
	resolved := ""
	if count > 0 {
		resolved = column
	}
	columnCacheMu.Lock()
	a.columns[key] = &resolved
	columnCacheMu.Unlock()
	return resolved, nil
}

// scanChangedRows reads rows whose timestamp column moved past the
// high-water mark, oldest first.
func (a *Adapter) scanChangedRows(ctx context.Context, db *sql.DB, schema, table, column string, since time.Time) ([]map[string]interface{}, error) {
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s",
		qualify(schema, table), quoteIdent(column), quoteIdent(column))
	rows, err := db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to scan changed rows of %s: %w", qualify(schema, table), err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// scanTable reads every row of a table, for snapshot replay.
func (a *Adapter) scanTable(ctx context.Context, db *sql.DB, schema, table string) ([]map[string]interface{}, error) {
	query := fmt.Sprintf("SELECT * FROM %s", qualify(schema, table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", qualify(schema, table), err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// collectRows materializes a result set into column maps, with byte slices
// converted to strings.
func collectRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := *(values[i].(*interface{}))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
