// Package rowsource runs planned dataset queries against the analytics store.
package rowsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"report-export/internal/domain"
)

// SQLSource implements domain.RowSource over a database/sql handle. It works
// for both the sqlite3 and duckdb drivers; dialect differences live in the
// planner.
type SQLSource struct {
	db *sql.DB
}

// New creates a SQLSource.
func New(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

var _ domain.RowSource = (*SQLSource)(nil)

// Count returns the number of rows q yields, honouring q.Limit.
func (s *SQLSource) Count(ctx context.Context, q domain.Query) (int64, error) {
	body, args := buildBody(q)
	stmt := "SELECT COUNT(*) FROM (SELECT 1 AS one" + body + ") AS counted"
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	if q.Limit > 0 && n > int64(q.Limit) {
		n = int64(q.Limit)
	}
	return n, nil
}

// FetchWindow returns rows [offset, offset+limit) of q in planned order.
func (s *SQLSource) FetchWindow(ctx context.Context, q domain.Query, offset, limit int64) ([]domain.Row, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid window offset=%d limit=%d", offset, limit)
	}
	if q.Limit > 0 {
		if offset >= int64(q.Limit) {
			return nil, nil
		}
		limit = min(limit, int64(q.Limit)-offset)
	}
	stmt, args := buildSelect(q)
	stmt += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch window at %d: %w", offset, err)
	}
	defer rows.Close() //nolint:errcheck

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scan window at %d: %w", offset, err)
	}
	return out, nil
}

// ListEntities runs an entity query selecting (id, name).
func (s *SQLSource) ListEntities(ctx context.Context, q domain.Query) ([]domain.Entity, error) {
	stmt, args := buildSelect(q)
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Entity
	for rows.Next() {
		var e domain.Entity
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildSelect renders the full ordered statement. Placeholder order follows
// clause order: select, from, where, having.
func buildSelect(q domain.Query) (string, []any) {
	body, args := buildBody(q)
	stmt := "SELECT " + strings.Join(q.Select, ", ") + body
	if len(q.OrderBy) > 0 {
		stmt += " ORDER BY " + strings.Join(q.OrderBy, ", ")
	}
	return stmt, append(append([]any(nil), q.SelectArgs...), args...)
}

func buildBody(q domain.Query) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(" FROM ")
	b.WriteString(q.From)
	args = append(args, q.FromArgs...)
	if len(q.Where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(joinPredicates(q.Where, &args))
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.GroupBy, ", "))
	}
	if len(q.Having) > 0 {
		b.WriteString(" HAVING ")
		b.WriteString(joinPredicates(q.Having, &args))
	}
	return b.String(), args
}

func joinPredicates(preds []domain.Predicate, args *[]any) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = "(" + p.SQL + ")"
		*args = append(*args, p.Args...)
	}
	return strings.Join(parts, " AND ")
}

func scanRows(rows *sql.Rows) ([]domain.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []domain.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, domain.Row(vals))
	}
	return out, rows.Err()
}
