package duckdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDB_FileSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.duckdb")

	func() {
		db, err := OpenDB(dbPath)
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		for _, stmt := range []string{
			`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO methods VALUES (1, 'Main.run'), (2, 'Worker.loop')`,
		} {
			_, err := db.Exec(stmt)
			require.NoError(t, err, stmt)
		}
	}()

	db, err := OpenDB(dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM methods").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestOpenDB_BootQueries(t *testing.T) {
	db, err := OpenDB("", "SET threads = 1")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var threads int
	require.NoError(t, db.QueryRow("SELECT current_setting('threads')").Scan(&threads))
	assert.Equal(t, 1, threads)
}

func TestOpenDB_BadBootQuery(t *testing.T) {
	db, err := OpenDB("", "SET no_such_setting = 1")
	require.NoError(t, err, "connections are opened lazily")
	defer func() { _ = db.Close() }()

	assert.Error(t, db.Ping())
}
