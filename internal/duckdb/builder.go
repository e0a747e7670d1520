package duckdb

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Builder assembles a parameterised SELECT. Conditions are ANDed.
type Builder struct {
	table      string
	timeColumn string
	columns    []string
	conds      []string
	args       []any
	groupBy    []string
	orderBy    []string
	limit      int
}

// NewQueryBuilder starts a SELECT on table. TimeRange filters on
// "timestamp" until TimeColumn says otherwise.
func NewQueryBuilder(table string) *Builder {
	return &Builder{table: table, timeColumn: "timestamp"}
}

// Select adds result columns. Aggregates and aliases are passed verbatim:
//
//	Select("name", "CAST(SUM(exclusive_us) AS BIGINT) AS excl")
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// TimeColumn names the column TimeRange filters on.
func (b *Builder) TimeColumn(name string) *Builder {
	b.timeColumn = name
	return b
}

// TimeRange keeps rows whose time column lies in [start, end].
func (b *Builder) TimeRange(start, end time.Time) *Builder {
	return b.Where(fmt.Sprintf("%[1]s >= ? AND %[1]s <= ?", b.timeColumn), start, end)
}

// Where adds a raw condition with its placeholder arguments.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.conds = append(b.conds, expr)
	b.args = append(b.args, args...)
	return b
}

// Eq filters column = value. An empty string matches everything.
func (b *Builder) Eq(column string, value any) *Builder {
	if s, ok := value.(string); ok && s == "" {
		return b
	}
	return b.Where(column+" = ?", value)
}

// Gte filters column >= value.
func (b *Builder) Gte(column string, value any) *Builder {
	return b.Where(column+" >= ?", value)
}

// Lte filters column <= value.
func (b *Builder) Lte(column string, value any) *Builder {
	return b.Where(column+" <= ?", value)
}

func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy adds sort keys. A leading "-" sorts that key descending.
func (b *Builder) OrderBy(columns ...string) *Builder {
	for _, c := range columns {
		if name, ok := strings.CutPrefix(c, "-"); ok {
			c = name + " DESC"
		}
		b.orderBy = append(b.orderBy, c)
	}
	return b
}

// Limit caps the row count. Zero or less means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Build returns the SQL and a fresh copy of its arguments.
func (b *Builder) Build() (string, []any, error) {
	if b.table == "" {
		return "", nil, errors.New("table name is required")
	}

	cols := "*"
	if len(b.columns) > 0 {
		cols = strings.Join(b.columns, ", ")
	}
	var q strings.Builder
	fmt.Fprintf(&q, "SELECT %s FROM %s", cols, b.table)

	args := append(make([]any, 0, len(b.args)+1), b.args...)
	if len(b.conds) > 0 {
		q.WriteString(" WHERE " + strings.Join(b.conds, " AND "))
	}
	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY " + strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY " + strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return q.String(), args, nil
}
