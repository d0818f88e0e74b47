package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	_ "modernc.org/sqlite"
)

// OpenDatabase opens a SQLite database with the pure-Go driver. The pool is
// limited to one connection so that ":memory:" databases stay shared.
func OpenDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return db, nil
}

// SQLTools implements the database tools over one *sql.DB.
type SQLTools struct {
	db      *sql.DB
	maxRows int
	logger  *slog.Logger
}

// ListTables returns the user tables of the database in name order.
func (t *SQLTools) ListTables(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifySQLError(err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err)
	}

	return map[string]interface{}{"tables": tables, "count": len(tables)}, nil
}

// Query runs the read-only statement in "sql" and returns at most "limit"
// rows (default maxRows) as column-name maps.
func (t *SQLTools) Query(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	stmt := strings.TrimSpace(input["sql"].(string))
	limit := t.maxRows
	if raw, ok := input["limit"]; ok {
		n, err := toInt(raw)
		if err != nil {
			return nil, explorer.MarkPermanent(err)
		}
		if n > 0 {
			limit = n
		}
	}
	t.logger.Debug("Running SQL query", "sql", stmt, "limit", limit)

	rows, err := t.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classifySQLError(err)
	}

	result := make([]interface{}, 0)
	truncated := false
	for rows.Next() {
		if len(result) == limit {
			truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifySQLError(err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err)
	}

	return map[string]interface{}{
		"columns":   columns,
		"rows":      result,
		"row_count": len(result),
		"truncated": truncated,
	}, nil
}

// classifySQLError marks lock contention as transient and statement errors
// as permanent. Context errors pass through untouched.
func classifySQLError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return explorer.MarkTransient(err)
	}
	return explorer.MarkPermanent(err)
}

func isReadOnly(stmt string) bool {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
	if s == "" || strings.Contains(s, ";") {
		return false
	}
	fields := strings.Fields(strings.ToUpper(s))
	switch fields[0] {
	case "SELECT":
		return true
	case "WITH":
		// A CTE may front a write statement.
		for _, f := range fields[1:] {
			switch strings.Trim(f, "()") {
			case "INSERT", "UPDATE", "DELETE", "REPLACE":
				return false
			}
		}
		return true
	}
	return false
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
