package duckdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Int64ArrayToString converts []int64 to DuckDB list literal format.
// Example: [1, 2, 3] -> "[1, 2, 3]"
func Int64ArrayToString(vec []int64) string {
	if len(vec) == 0 {
		return "[]"
	}

	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range vec {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(v, 10))
	}
	sb.WriteString("]")
	return sb.String()
}

// ParseInt64Array parses a DuckDB list literal produced by Int64ArrayToString.
func ParseInt64Array(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("invalid array literal %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []int64{}, nil
	}

	parts := strings.Split(body, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid array element %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}
