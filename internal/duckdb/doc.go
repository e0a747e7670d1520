// Package duckdb holds the small DuckDB layer under the results store: a
// connector with boot queries, a struct-tag table mapper with conflict
// retries, a SELECT builder and list-literal helpers.
//
//	type flatRow struct {
//	    SessionID string `duckdb:"session_id,pk"`
//	    MethodID  int64  `duckdb:"method_id,pk"`
//	    Name      string `duckdb:"name"`
//	}
//	err := duckdb.NewTable[flatRow](db, "flat_profiles").BatchUpsert(ctx, rows)
//
//	q, args, err := duckdb.NewQueryBuilder("flat_profiles").
//	    Select("name", "exclusive_us").
//	    Eq("session_id", id).
//	    OrderBy("-exclusive_us").
//	    Limit(20).
//	    Build()
//
// Empty string equality filters are skipped.
package duckdb
