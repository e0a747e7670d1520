package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/coral-mesh/jvmprof/internal/retry"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conflictRetry retries writes that lost a DuckDB optimistic concurrency
// check.
var conflictRetry = retry.Config{
	MaxRetries:     10,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Jitter:         0.1,
}

// Table maps struct T onto a table through `duckdb:"column[,pk][,immutable]"`
// field tags. Untagged fields are ignored.
type Table[T any] struct {
	db    Execer
	name  string
	cols  []column
	names []string
	pk    []string
}

type column struct {
	name      string
	field     int
	pk        bool
	immutable bool
}

// NewTable reads T's tags. It panics when T is not a struct.
func NewTable[T any](db Execer, name string) *Table[T] {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("duckdb: table %s maps non-struct type %s", name, typ))
	}

	t := &Table[T]{db: db, name: name}
	for i := range typ.NumField() {
		tag := typ.Field(i).Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}
		opts := strings.Split(tag, ",")
		c := column{name: strings.TrimSpace(opts[0]), field: i}
		for _, o := range opts[1:] {
			switch strings.TrimSpace(o) {
			case "pk":
				c.pk = true
				t.pk = append(t.pk, c.name)
			case "immutable":
				c.immutable = true
			}
		}
		t.cols = append(t.cols, c)
		t.names = append(t.names, c.name)
	}
	return t
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Columns returns the mapped column names in field order.
func (t *Table[T]) Columns() []string { return slices.Clone(t.names) }

func (t *Table[T]) hasColumn(name string) bool { return slices.Contains(t.names, name) }

// param adapts a field value to what the driver accepts. Integer slices
// travel as list literals.
func param(v any) any {
	if ids, ok := v.([]int64); ok {
		return Int64ArrayToString(ids)
	}
	return v
}

func (t *Table[T]) values(item *T) []any {
	v := reflect.ValueOf(item).Elem()
	out := make([]any, len(t.cols))
	for i, c := range t.cols {
		out[i] = param(v.Field(c.field).Interface())
	}
	return out
}

func (t *Table[T]) insertQuery() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.cols)), ", ")
	// #nosec G201 - identifiers come from struct tags
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(t.names, ", "), placeholders)
}

// upsertQuery builds INSERT ... ON CONFLICT. Key and immutable columns keep
// their stored values.
func (t *Table[T]) upsertQuery() string {
	q := t.insertQuery()
	if len(t.pk) == 0 {
		return q
	}
	var updates []string
	for _, c := range t.cols {
		if !c.pk && !c.immutable {
			updates = append(updates, fmt.Sprintf("%[1]s = excluded.%[1]s", c.name))
		}
	}
	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) %s", strings.Join(t.pk, ", "), action)
}

// Insert adds item without conflict handling; a duplicate key fails.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	return t.exec(ctx, t.insertQuery(), item)
}

// Upsert inserts or updates an item in the database.
func (t *Table[T]) Upsert(ctx context.Context, item *T) error {
	return t.exec(ctx, t.upsertQuery(), item)
}

func (t *Table[T]) exec(ctx context.Context, query string, item *T) error {
	values := t.values(item)
	return retry.Do(ctx, conflictRetry, func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, isTransactionConflict)
}

// BatchInsert inserts items with plain INSERTs in one transaction. It is
// the way to refill rows deleted earlier in the same transaction, which
// DuckDB does not allow an ON CONFLICT clause to see.
func (t *Table[T]) BatchInsert(ctx context.Context, items []*T) error {
	return t.batch(ctx, t.insertQuery(), items)
}

// BatchUpsert upserts multiple items in a single transaction using a
// prepared statement. When the table was created on a *sql.Tx the caller
// owns commit and rollback.
func (t *Table[T]) BatchUpsert(ctx context.Context, items []*T) error {
	return t.batch(ctx, t.upsertQuery(), items)
}

func (t *Table[T]) batch(ctx context.Context, query string, items []*T) (err error) {
	if len(items) == 0 {
		return nil
	}

	var tx *sql.Tx
	switch d := t.db.(type) {
	case *sql.Tx:
		tx = d
	case *sql.DB:
		tx, err = d.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()
	default:
		return fmt.Errorf("unsupported Execer type for batch writes: %T", t.db)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err = stmt.ExecContext(ctx, t.values(item)...); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}

	if _, started := t.db.(*sql.DB); started {
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

// Get loads the row whose first key column equals id.
func (t *Table[T]) Get(ctx context.Context, id any) (*T, error) {
	if len(t.pk) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", t.name)
	}
	// #nosec G201 - identifiers come from struct tags
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(t.names, ", "), t.name, t.pk[0])
	return t.scan(t.db.QueryRowContext(ctx, query, id))
}

// Delete removes rows matching every filter. An empty filter set is
// rejected.
func (t *Table[T]) Delete(ctx context.Context, filters map[string]any) (int64, error) {
	if len(filters) == 0 {
		return 0, errors.New("refusing to delete without filters")
	}
	where, args, err := t.where(filters)
	if err != nil {
		return 0, err
	}
	// #nosec G201 - identifiers come from struct tags
	res, err := t.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", t.name, where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns the rows matching every column = value filter.
func (t *Table[T]) List(ctx context.Context, filters map[string]any) ([]*T, error) {
	where, args, err := t.where(filters)
	if err != nil {
		return nil, err
	}
	// #nosec G201 - identifiers come from struct tags
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(t.names, ", "), t.name, where)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *Table[T]) where(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	cols := slices.Sorted(maps.Keys(filters))
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if !t.hasColumn(c) {
			return "", nil, fmt.Errorf("table %s has no column %s", t.name, c)
		}
		conds[i] = c + " = ?"
		args[i] = filters[c]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scan reads one row into a new T.
func (t *Table[T]) scan(row scanner) (*T, error) {
	var item T
	v := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.cols))
	for i, c := range t.cols {
		dest[i] = v.Field(c.field).Addr().Interface()
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}

// isTransactionConflict matches the errors DuckDB raises when a concurrent
// writer won.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"Conflict on update", "TransactionContext Error", "serialization"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
