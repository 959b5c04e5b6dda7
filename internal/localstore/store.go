package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/voicenotes/internal/gateway"
)

var _ gateway.Gateway = (*Store)(nil)

// Select implements gateway.Gateway.
func (s *Store) Select(ctx context.Context, q gateway.Query, dest any) error {
	cols := "*"
	if len(q.Columns) > 0 {
		if err := s.checkColumns(q.Table, q.Columns...); err != nil {
			return &gateway.Error{Op: "select", Table: q.Table, Err: err}
		}
		cols = strings.Join(q.Columns, ", ")
	}
	where, args, err := s.whereClause(q.Table, q.Filters)
	if err != nil {
		return &gateway.Error{Op: "select", Table: q.Table, Err: err}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", cols, q.Table, where)
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			if err := s.checkColumns(q.Table, o.Column); err != nil {
				return &gateway.Error{Op: "select", Table: q.Table, Err: err}
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = o.Column + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return &gateway.Error{Op: "select", Table: q.Table, Err: err}
	}
	return s.decodeRows(rows, "select", q.Table, dest)
}

// Count implements gateway.Gateway.
func (s *Store) Count(ctx context.Context, table string, filters ...gateway.Filter) (int, error) {
	where, args, err := s.whereClause(table, filters)
	if err != nil {
		return 0, &gateway.Error{Op: "count", Table: table, Err: err}
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT count(*) FROM "+table+where, args...).Scan(&n); err != nil {
		return 0, &gateway.Error{Op: "count", Table: table, Err: err}
	}
	return n, nil
}

// Insert implements gateway.Gateway. Rows without an id get a random UUID.
func (s *Store) Insert(ctx context.Context, table string, row map[string]any, dest any) error {
	values := make(map[string]any, len(row)+1)
	for k, v := range row {
		values[k] = v
	}
	if id, ok := values["id"]; !ok || id == nil || id == "" {
		values["id"] = uuid.NewString()
	}

	cols := sortedKeys(values)
	if err := s.checkColumns(table, cols...); err != nil {
		return &gateway.Error{Op: "insert", Table: table, Err: err}
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = bindValue(values[c])
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return &gateway.Error{Op: "insert", Table: table, Err: err}
	}
	return s.decodeRows(rows, "insert", table, dest)
}

// Update implements gateway.Gateway.
func (s *Store) Update(ctx context.Context, table string, patch map[string]any, filters []gateway.Filter, dest any) error {
	if len(filters) == 0 {
		return &gateway.Error{Op: "update", Table: table, Err: gateway.ErrUnfilteredUpdate}
	}
	if len(patch) == 0 {
		return &gateway.Error{Op: "update", Table: table, Err: fmt.Errorf("empty patch")}
	}
	cols := sortedKeys(patch)
	if err := s.checkColumns(table, cols...); err != nil {
		return &gateway.Error{Op: "update", Table: table, Err: err}
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, bindValue(patch[c]))
	}
	where, whereArgs, err := s.whereClause(table, filters)
	if err != nil {
		return &gateway.Error{Op: "update", Table: table, Err: err}
	}
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", table, strings.Join(sets, ", "), where)
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return &gateway.Error{Op: "update", Table: table, Err: err}
	}
	return s.decodeRows(rows, "update", table, dest)
}

func (s *Store) checkColumns(table string, cols ...string) error {
	known, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, c := range cols {
		if _, ok := known[c]; !ok {
			return fmt.Errorf("unknown column %q on %s", c, table)
		}
	}
	return nil
}

func (s *Store) whereClause(table string, filters []gateway.Filter) (string, []any, error) {
	if _, ok := s.tables[table]; !ok {
		return "", nil, fmt.Errorf("unknown table %q", table)
	}
	if len(filters) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filters))
	var args []any
	for _, f := range filters {
		if err := s.checkColumns(table, f.Column); err != nil {
			return "", nil, err
		}
		switch f.Op {
		case gateway.OpEq:
			conds = append(conds, f.Column+" = ?")
			args = append(args, bindValue(f.Value))
		case gateway.OpGte:
			conds = append(conds, f.Column+" >= ?")
			args = append(args, bindValue(f.Value))
		case gateway.OpIsNil:
			conds = append(conds, f.Column+" IS NULL")
		case gateway.OpILike:
			conds = append(conds, f.Column+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(fmt.Sprint(f.Value))+"%")
		case gateway.OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("in filter on %s needs []string, got %T", f.Column, f.Value)
			}
			if len(values) == 0 {
				conds = append(conds, "0")
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			conds = append(conds, f.Column+" IN ("+marks+")")
			for _, v := range values {
				args = append(args, v)
			}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// decodeRows drains rows into maps and JSON-decodes them into dest,
// matching what an HTTP backend would hand back.
func (s *Store) decodeRows(rows *sql.Rows, op, table string, dest any) error {
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return &gateway.Error{Op: op, Table: table, Err: err}
	}
	declared := s.tables[table]
	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return &gateway.Error{Op: op, Table: table, Err: err}
		}
		row := make(map[string]any, len(names))
		for i, name := range names {
			row[name] = normalize(declared[name], vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return &gateway.Error{Op: op, Table: table, Err: err}
	}
	if dest == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return &gateway.Error{Op: op, Table: table, Err: err}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &gateway.Error{Op: op, Table: table, Err: fmt.Errorf("decode rows: %w", err)}
	}
	return nil
}

func normalize(declType string, v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		if declType == "BOOLEAN" {
			return t != 0
		}
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *string:
		if t == nil {
			return nil
		}
		return *t
	default:
		return v
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
