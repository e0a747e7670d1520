package duckdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_SimpleSelect(t *testing.T) {
	q, args, err := NewQueryBuilder("sessions").Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM sessions", q)
	assert.Empty(t, args)
}

func TestBuilder_SelectAggregations(t *testing.T) {
	q, args, err := NewQueryBuilder("flat_profiles").
		Select("method", "SUM(invocations) as calls").
		GroupBy("method").
		Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT method, SUM(invocations) as calls FROM flat_profiles GROUP BY method", q)
	assert.Empty(t, args)
}

func TestBuilder_TimeRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	q, args, err := NewQueryBuilder("sessions").
		TimeColumn("created_at").
		TimeRange(start, end).
		Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM sessions WHERE created_at >= ? AND created_at <= ?", q)
	assert.Equal(t, []any{start, end}, args)
}

func TestBuilder_Filters(t *testing.T) {
	q, args, err := NewQueryBuilder("flat_profiles").
		Select("method", "exclusive_us").
		Eq("session_id", "s1").
		Eq("thread", "").
		Gte("percent", 1.5).
		Lte("invocations", 100).
		Where("method LIKE ?", "java.%").
		OrderBy("-exclusive_us", "method").
		Limit(10).
		Build()

	require.NoError(t, err)
	assert.Equal(t,
		"SELECT method, exclusive_us FROM flat_profiles WHERE session_id = ? AND percent >= ? AND invocations <= ? AND method LIKE ? ORDER BY exclusive_us DESC, method LIMIT ?",
		q)
	assert.Equal(t, []any{"s1", 1.5, 100, "java.%", 10}, args)
}

func TestBuilder_BuildIsRepeatable(t *testing.T) {
	b := NewQueryBuilder("sessions").Eq("id", "a").Limit(1)
	_, first, err := b.Build()
	require.NoError(t, err)
	_, second, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuilder_ErrorNoTable(t *testing.T) {
	_, _, err := NewQueryBuilder("").Build()
	assert.Error(t, err)
}
