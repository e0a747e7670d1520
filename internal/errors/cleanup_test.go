package errors

import (
	"bytes"
	stderrors "errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockCloser struct {
	closeErr error
	closed   bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{"nil closer", nil, false},
		{"successful close", &mockCloser{}, false},
		{"close with error", &mockCloser{closeErr: stderrors.New("disk gone")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			DeferClose(logger, tt.closer, "failed to close recording")

			if mc, ok := tt.closer.(*mockCloser); ok {
				assert.True(t, mc.closed)
			}
			if tt.wantLogged {
				assert.Contains(t, buf.String(), "failed to close recording")
				assert.Contains(t, buf.String(), "disk gone")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestDeferRollback_Nil(t *testing.T) {
	var buf bytes.Buffer
	DeferRollback(zerolog.New(&buf), nil)
	assert.Empty(t, buf.String())
}
