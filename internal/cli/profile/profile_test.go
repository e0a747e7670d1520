package profile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/cli/helpers"
	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/store"
	"github.com/coral-mesh/jvmprof/internal/testutil"
	"github.com/coral-mesh/jvmprof/internal/transport"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

// writeRecording captures main() calling work() once on thread 1, with a
// microsecond timer.
func writeRecording(t *testing.T, truncated bool) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "app.rec")
	w, err := transport.CreateRecording(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteJSON(transport.KindTimerInfo, transport.TimerInfo{TicksPerSecond: 1_000_000}))
	require.NoError(t, w.WriteJSON(transport.KindMethodTable, transport.MethodTable{
		Methods: []cpu.MethodInfo{
			{ID: 1, ClassName: "app.Main", Method: "main"},
			{ID: 2, ClassName: "app.Worker", Method: "work"},
		},
	}))
	buf := wire.NewEncoder(false).
		SetThread(1).
		MethodEntry(1, 0, 0).
		MethodEntry(2, 10, 0).
		MethodExit(2, 30, 0).
		MethodExit(1, 50, 0).
		Bytes()
	if truncated {
		buf = append(buf, wire.NewEncoder(false).MethodEntry(1, 60, 0).Bytes()[:3]...)
	}
	require.NoError(t, w.WriteFrame(transport.KindEventBuffer, buf))
	require.NoError(t, w.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("JVMPROF_CONFIG", t.TempDir())
	t.Setenv("JVMPROF_DUCKDB_PATH", "")

	opts := &helpers.GlobalOptions{LogLevel: "error"}
	root := &cobra.Command{Use: "jvmprof", SilenceUsage: true, SilenceErrors: true}
	opts.AddFlags(root.PersistentFlags())
	root.AddCommand(Commands(opts)...)

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestReplay_CSV(t *testing.T) {
	rec := writeRecording(t, false)

	stdout, stderr, err := execute(t, "replay", rec, "-o", "csv")
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"Method,Calls,Total (us),Self (us),Self %",
		"app.Main.main,1,50,30,60.00",
		"app.Worker.work,1,20,20,40.00",
		"",
	}, "\n"), stdout)
	assert.Contains(t, stderr, rec)
	assert.Contains(t, stderr, "1000000 ticks/s")
}

func TestReplay_FilterAndTree(t *testing.T) {
	rec := writeRecording(t, false)

	stdout, _, err := execute(t, "replay", rec, "--filter", "work", "--tree")
	require.NoError(t, err)
	assert.Contains(t, stdout, "app.Worker.work")
	assert.Contains(t, stdout, "Thread 1")
	assert.Contains(t, stdout, "└─ app.Main.main (50.0µs, self 30.0µs, 1 calls, 100.0%)")
}

func TestReplay_Exports(t *testing.T) {
	rec := writeRecording(t, false)
	dir := t.TempDir()
	pprofPath := filepath.Join(dir, "cpu.pb.gz")
	foldedPath := filepath.Join(dir, "cpu.folded")

	_, _, err := execute(t, "replay", rec, "--pprof", pprofPath, "--folded", foldedPath)
	require.NoError(t, err)

	folded, err := os.ReadFile(foldedPath)
	require.NoError(t, err)
	assert.Equal(t, "app.Main.main 30\napp.Main.main;app.Worker.work 20\n", string(folded))

	f, err := os.Open(pprofPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	p, err := profile.Parse(f)
	require.NoError(t, err)
	assert.Len(t, p.Sample, 2)
}

func TestReplay_FoldedToStdout(t *testing.T) {
	rec := writeRecording(t, false)

	stdout, _, err := execute(t, "replay", rec, "--folded", "-")
	require.NoError(t, err)
	assert.Equal(t, "app.Main.main 30\napp.Main.main;app.Worker.work 20\n", stdout)

	stdout, _, err = execute(t, "replay", rec, "--folded", "-", "--folded-calls")
	require.NoError(t, err)
	assert.Equal(t, "app.Main.main 1\napp.Main.main;app.Worker.work 1\n", stdout)
}

func TestReplay_TruncatedRecordingStillReports(t *testing.T) {
	rec := writeRecording(t, true)

	stdout, stderr, err := execute(t, "replay", rec, "-o", "csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrTruncated)
	assert.Contains(t, stdout, "app.Main.main")
	assert.Contains(t, stderr, "session ended early")
}

func TestReplay_Errors(t *testing.T) {
	_, _, err := execute(t, "replay", filepath.Join(t.TempDir(), "missing.rec"))
	assert.Error(t, err)

	rec := writeRecording(t, false)
	_, _, err = execute(t, "replay", rec, "-o", "yaml")
	assert.Error(t, err)
	_, _, err = execute(t, "replay", rec, "--sort", "age")
	assert.Error(t, err)
	_, _, err = execute(t, "replay", rec, "--thread", "7")
	assert.Error(t, err, "no profile for thread 7")
}

func TestReplayAndSessions(t *testing.T) {
	rec := writeRecording(t, false)
	db := filepath.Join(t.TempDir(), "results.duckdb")

	_, stderr, err := execute(t, "replay", rec, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Results saved to")

	stdout, _, err := execute(t, "sessions", "list", "--db", db, "-o", "json")
	require.NoError(t, err)
	var recs []store.SessionRecord
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0].Source)
	assert.Equal(t, int64(1_000_000), recs[0].TicksPerSecond)
	id := recs[0].ID

	stdout, _, err = execute(t, "sessions", "show", id, "--db", db, "-o", "csv")
	require.NoError(t, err)
	assert.Contains(t, stdout, "app.Main.main,1,50,30,60.00")

	stdout, _, err = execute(t, "sessions", "show", id, "--db", db, "--tree")
	require.NoError(t, err)
	assert.Contains(t, stdout, "app.Worker.work (20.0µs")

	stdout, _, err = execute(t, "sessions", "export", id, "--db", db, "--folded", "-")
	require.NoError(t, err)
	assert.Equal(t, "app.Main.main 30\napp.Main.main;app.Worker.work 20\n", stdout)

	stdout, _, err = execute(t, "sessions", "top", "--db", db, "-o", "csv")
	require.NoError(t, err)
	assert.Contains(t, stdout, "app.Main.main")

	_, _, err = execute(t, "sessions", "delete", id, "--db", db)
	require.NoError(t, err)
	stdout, _, err = execute(t, "sessions", "list", "--db", db, "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(stdout))
}

func TestSessions_RequiresStore(t *testing.T) {
	_, _, err := execute(t, "sessions", "list")
	assert.ErrorContains(t, err, "no results store")
}

func TestMCP_ListTools(t *testing.T) {
	rec := writeRecording(t, false)

	stdout, _, err := execute(t, "mcp", rec, "--list-tools")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"jvmprof_diagnostics",
		"jvmprof_flat_profile",
		"jvmprof_hot_paths",
		"jvmprof_memory",
		"jvmprof_telemetry",
		"jvmprof_threads",
	}, strings.Fields(stdout))
}

func TestRecord_RequiresFile(t *testing.T) {
	_, _, err := execute(t, "record")
	assert.ErrorContains(t, err, "--file is required")
}

func TestRowNames(t *testing.T) {
	names := newRowNames([]cpu.Row{{MethodID: 4, Name: "a.B.c"}})
	assert.Equal(t, "a.B.c", names.MethodName(4))
	assert.Equal(t, "method#5", names.MethodName(5))
}
