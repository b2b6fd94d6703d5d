package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/platform/database"
)

// queryTimeout bounds a single database.query attempt.
const queryTimeout = 30 * time.Second

// databaseQuery runs one SQL statement against PostgreSQL or MySQL with a
// caller-supplied DSN. Mode "query" returns rows as objects; mode "exec"
// returns the affected row count.
type databaseQuery struct{}

func (a *databaseQuery) ValidateParams(params map[string]interface{}) error {
	switch driver := stringParam(params, "driver"); driver {
	case "postgres", "mysql":
	case "":
		return fmt.Errorf("database.query requires a %q param", "driver")
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	if stringParam(params, "dsn") == "" {
		return fmt.Errorf("database.query requires a %q param", "dsn")
	}
	if stringParam(params, "query") == "" {
		return fmt.Errorf("database.query requires a %q param", "query")
	}
	return nil
}

func (a *databaseQuery) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"driver": map[string]interface{}{"type": "string", "enum": []string{"postgres", "mysql"}, "required": true},
		"dsn":    map[string]interface{}{"type": "string", "required": true},
		"query":  map[string]interface{}{"type": "string", "required": true},
		"args":   map[string]interface{}{"type": "array"},
		"mode":   map[string]interface{}{"type": "string", "enum": []string{"query", "exec"}},
	}
}

func (a *databaseQuery) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	db, err := database.Open(stringParam(params, "driver"), stringParam(params, "dsn"))
	if err != nil {
		return integration.Fail(err)
	}
	defer db.Close()

	qctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	query := stringParam(params, "query")
	args := sliceParam(params, "args")

	mode := stringParam(params, "mode")
	if mode == "" {
		mode = "query"
	}
	switch mode {
	case "exec":
		result, err := db.ExecContext(qctx, query, args...)
		if err != nil {
			return integration.Fail(fmt.Errorf("execute statement: %w", err))
		}
		affected, _ := result.RowsAffected()
		return integration.OK(map[string]interface{}{
			"rows_affected": affected,
		})

	case "query":
		rows, err := db.QueryContext(qctx, query, args...)
		if err != nil {
			return integration.Fail(fmt.Errorf("run query: %w", err))
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return integration.Fail(fmt.Errorf("read columns: %w", err))
		}

		var results []map[string]interface{}
		for rows.Next() {
			values := make([]interface{}, len(columns))
			scans := make([]interface{}, len(columns))
			for i := range values {
				scans[i] = &values[i]
			}
			if err := rows.Scan(scans...); err != nil {
				return integration.Fail(fmt.Errorf("scan row: %w", err))
			}
			row := make(map[string]interface{}, len(columns))
			for i, col := range columns {
				row[col] = normalizeSQLValue(values[i])
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return integration.Fail(fmt.Errorf("iterate rows: %w", err))
		}
		return integration.OK(map[string]interface{}{
			"rows":  results,
			"count": len(results),
		})

	default:
		return integration.Fail(fmt.Errorf("unknown query mode %q", mode))
	}
}

// normalizeSQLValue converts driver byte slices to strings so results
// serialize as text instead of base64.
func normalizeSQLValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
