package helpers

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Name    string  `header:"Method"`
	Calls   uint64  `header:"Calls"`
	Percent float64 `header:"Self %"`
	Extra   string
}

var testRows = []testRow{
	{Name: "app.Main.main", Calls: 1, Percent: 33.333, Extra: "ignored"},
	{Name: "app.Worker.work", Calls: 3, Percent: 66.6667},
}

func TestNewFormatter(t *testing.T) {
	for _, f := range ResultFormats {
		got, err := NewFormatter(f)
		require.NoError(t, err, f)
		assert.NotNil(t, got)
	}
	_, err := NewFormatter("yaml")
	assert.Error(t, err)
}

func TestJSONFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "json", testRows))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "app.Main.main", out[0]["Name"])
}

func TestTableFormatter_Format(t *testing.T) {
	tests := []struct {
		name         string
		data         any
		wantErr      bool
		wantContains []string
		wantEmpty    bool
	}{
		{
			name:         "rows",
			data:         testRows,
			wantContains: []string{"Method", "Calls", "Self %", "app.Worker.work", "66.67", "33.33"},
		},
		{
			name:      "empty slice",
			data:      []testRow{},
			wantEmpty: true,
		},
		{
			name:    "not a slice",
			data:    testRows[0],
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := (&TableFormatter{}).Format(tt.data, &buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantEmpty {
				assert.Empty(t, buf.String())
			}
			for _, s := range tt.wantContains {
				assert.Contains(t, buf.String(), s)
			}
			assert.NotContains(t, buf.String(), "ignored")
		})
	}
}

func TestCSVFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&CSVFormatter{}).Format(testRows, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Method", "Calls", "Self %"},
		{"app.Main.main", "1", "33.33"},
		{"app.Worker.work", "3", "66.67"},
	}, records)
}

func TestCell_NilPointer(t *testing.T) {
	type row struct {
		Value *int `header:"Value"`
	}
	var buf bytes.Buffer
	require.NoError(t, (&CSVFormatter{}).Format([]row{{}}, &buf))
	assert.Equal(t, "Value\n-\n", buf.String())
}
