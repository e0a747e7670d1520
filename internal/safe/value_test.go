package safe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64ToInt64(t *testing.T) {
	tests := []struct {
		name    string
		in      uint64
		want    int64
		clamped bool
	}{
		{"zero", 0, 0, false},
		{"tick count", 12345, 12345, false},
		{"max int64", math.MaxInt64, math.MaxInt64, false},
		{"just above", math.MaxInt64 + 1, math.MaxInt64, true},
		{"max uint64", math.MaxUint64, math.MaxInt64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := Uint64ToInt64(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.clamped, clamped)
		})
	}
}
