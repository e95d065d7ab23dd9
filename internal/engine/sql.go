package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"
)

// SQLEngine executes the tabular mini-language against a fresh in-memory
// SQLite database per run. Nothing persists between executions and the
// database never touches disk, so the only reachable state is what the
// submission itself created.
type SQLEngine struct {
	maxStatements int
	maxRows       int
}

func NewSQLEngine() *SQLEngine {
	return &SQLEngine{
		maxStatements: 100,
		maxRows:       1000,
	}
}

func (e *SQLEngine) Name() string { return "sqlite-memory" }

func (e *SQLEngine) Languages() []string { return []string{"sql"} }

func (e *SQLEngine) ValidateCode(code string) error {
	return validateSize(code)
}

func (e *SQLEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening scratch database: %w", err)
	}
	defer db.Close()
	// A second connection would see a different :memory: database.
	db.SetMaxOpenConns(1)

	statements := splitStatements(req.Code)
	if len(statements) > e.maxStatements {
		return &Result{Error: fmt.Sprintf("too many statements: %d (max %d)", len(statements), e.maxStatements)}, nil
	}

	var out strings.Builder
	for i, stmt := range statements {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isQuery(stmt) {
			rendered, qErr := e.runQuery(ctx, db, stmt)
			if qErr != nil {
				return &Result{Output: out.String(), Error: fmt.Sprintf("statement %d: %s", i+1, qErr)}, nil
			}
			out.WriteString(rendered)
		} else {
			res, xErr := db.ExecContext(ctx, stmt)
			if xErr != nil {
				return &Result{Output: out.String(), Error: fmt.Sprintf("statement %d: %s", i+1, xErr)}, nil
			}
			if affected, aErr := res.RowsAffected(); aErr == nil && affected > 0 {
				fmt.Fprintf(&out, "%d row(s) affected\n", affected)
			}
		}
	}

	return &Result{
		Output:   out.String(),
		Metadata: map[string]any{"statements": len(statements)},
	}, nil
}

func (e *SQLEngine) runQuery(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString(strings.Join(cols, " | ") + "\n")
	out.WriteString(strings.Repeat("-", len(strings.Join(cols, " | "))) + "\n")

	values := make([]any, len(cols))
	scanTargets := make([]any, len(cols))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= e.maxRows {
			fmt.Fprintf(&out, "... (truncated at %d rows)\n", e.maxRows)
			break
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return "", err
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = renderCell(v)
		}
		out.WriteString(strings.Join(cells, " | ") + "\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func renderCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// splitStatements breaks the script on semicolons outside string
// literals. SQLite quoting only; good enough for playground scripts.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inSingle, inDouble := false, false

	for _, r := range script {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(r)
		case r == ';' && !inSingle && !inDouble:
			if s := strings.TrimSpace(current.String()); s != "" {
				statements = append(statements, s)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		statements = append(statements, s)
	}
	return statements
}

func isQuery(stmt string) bool {
	head := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(head, "SELECT") ||
		strings.HasPrefix(head, "WITH") ||
		strings.HasPrefix(head, "EXPLAIN")
}
