package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeFlagsParse(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		flags     TimeFlags
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{name: "unbounded"},
		{name: "since", flags: TimeFlags{Since: "90m"}, wantStart: now.Add(-90 * time.Minute)},
		{
			name:      "from only",
			flags:     TimeFlags{From: "2025-02-01"},
			wantStart: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "from and to",
			flags:     TimeFlags{From: "2025-02-01T10:00:00Z", To: "now"},
			wantStart: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
			wantEnd:   now,
		},
		{
			name:      "from wins over since",
			flags:     TimeFlags{Since: "1h", From: "now"},
			wantStart: now,
		},
		{name: "to before from", flags: TimeFlags{From: "2025-02-02", To: "2025-02-01"}, wantErr: true},
		{name: "bad since", flags: TimeFlags{Since: "soon"}, wantErr: true},
		{name: "negative since", flags: TimeFlags{Since: "-1h"}, wantErr: true},
		{name: "bad from", flags: TimeFlags{From: "yesterday"}, wantErr: true},
		{name: "bad to", flags: TimeFlags{To: "01/02/2025"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.flags.parseAt(now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(r.Start), "start %s", r.Start)
			assert.True(t, tt.wantEnd.Equal(r.End), "end %s", r.End)
		})
	}
}
