package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// EnvTestLogs routes test loggers to t.Log when set to a non-empty value.
const EnvTestLogs = "JVMPROF_TEST_LOGS"

// NewTestLogger returns a debug-level logger for t. Output is discarded
// unless EnvTestLogs is set, so failing runs can be rerun with the
// dispatcher and session logs inline.
func NewTestLogger(t testing.TB) zerolog.Logger {
	var w io.Writer = io.Discard
	if os.Getenv(EnvTestLogs) != "" {
		w = tbWriter{t}
	}
	return zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

type tbWriter struct{ t testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
