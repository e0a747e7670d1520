package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/testutil"
	"github.com/coral-mesh/jvmprof/internal/threads"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testutil.NewTestDB(t), testutil.NewTestLogger(t))
	require.NoError(t, err)
	return s
}

func ev(kind wire.Kind, tid uint16, mid uint32, ts uint64) wire.Event {
	return wire.Event{Kind: kind, ThreadID: tid, MethodID: mid, Timestamp: ts, Stamped: true}
}

func cctSnapshot(t *testing.T) cpu.Snapshot {
	t.Helper()
	b := cpu.NewBuilder(cpu.Options{}, zerolog.Nop())
	require.NoError(t, b.HandleEvents([]wire.Event{
		ev(wire.KindMethodEntry, 1, 1, 0),
		ev(wire.KindMethodEntry, 1, 2, 10),
		ev(wire.KindMethodExit, 1, 2, 30),
		ev(wire.KindMethodEntry, 1, 3, 30),
		ev(wire.KindMethodEntry, 1, 2, 35),
		ev(wire.KindMethodExit, 1, 2, 40),
		ev(wire.KindMethodExit, 1, 3, 45),
		ev(wire.KindMethodExit, 1, 1, 50),
		ev(wire.KindMethodEntry, 2, 4, 5),
		ev(wire.KindMethodExit, 2, 4, 25),
	}))
	return b.Snapshot()
}

func methods() *cpu.MethodTable {
	mt := cpu.NewMethodTable()
	mt.Add(
		cpu.MethodInfo{ID: 1, ClassName: "app.Main", Method: "main"},
		cpu.MethodInfo{ID: 2, ClassName: "app.Util", Method: "hash"},
		cpu.MethodInfo{ID: 3, ClassName: "app.Main", Method: "loop"},
		cpu.MethodInfo{ID: 4, ClassName: "app.Bg", Method: "tick"},
	)
	return mt
}

func TestOpen_InMemoryAndFile(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	mem, err := Open("", testutil.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, mem.SaveSession(ctx, SessionRecord{ID: "a", Source: "test"}))
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "results.duckdb")
	s, err := Open(path, testutil.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "b", Source: "test", TicksPerSecond: 1000}))
	require.NoError(t, s.Close())

	s, err = Open(path, testutil.NewTestLogger(t))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rec, err := s.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.TicksPerSecond)
}

func TestStore_Sessions(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, src := range []string{"replay", "serve", "replay"} {
		require.NoError(t, s.SaveSession(ctx, SessionRecord{
			ID:        string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			Source:    src,
		}))
	}

	all, err := s.ListSessions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	replays, err := s.ListSessions(ctx, ListFilter{Source: "replay", Limit: 1})
	require.NoError(t, err)
	require.Len(t, replays, 1)
	assert.Equal(t, "c", replays[0].ID)

	recent, err := s.ListSessions(ctx, ListFilter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	window, err := s.ListSessions(ctx, ListFilter{Since: base, Until: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	// created_at survives updates.
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "a", CreatedAt: base.Add(48 * time.Hour), Source: "replay", Events: 9}))
	rec, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.True(t, base.Equal(rec.CreatedAt.UTC()))
	assert.Equal(t, int64(9), rec.Events)

	assert.Error(t, s.SaveSession(ctx, SessionRecord{}))
	_, err = s.GetSession(ctx, "missing")
	assert.Error(t, err)
}

func TestStore_FlatProfile(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	p := cpu.Flatten(cctSnapshot(t), methods(), 0)
	require.NoError(t, s.SaveFlatProfile(ctx, "s1", p))
	require.NoError(t, s.SaveFlatProfile(ctx, "s1", p), "saving twice replaces")
	require.NoError(t, s.SaveFlatProfile(ctx, "s2", p.Top(1)))

	rows, err := s.LoadFlatProfile(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		want, ok := p.Find(r.MethodID)
		require.True(t, ok)
		assert.Equal(t, want.Name, r.Name)
		assert.Equal(t, want.Invocations, r.Invocations)
		assert.Equal(t, want.ExclusiveMicros, r.ExclusiveMicros)
		assert.InDelta(t, want.Percent, r.Percent, 1e-9)
	}
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].ExclusiveMicros, rows[i].ExclusiveMicros)
	}

	top, err := s.TopMethods(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, rows[0].Name, top[0].Name)
	assert.Equal(t, 2*rows[0].ExclusiveMicros, top[0].ExclusiveMicros)
}

func TestStore_Telemetry(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	agg, err := telemetry.NewAggregator(4, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, agg.HandleMonitoredData(monitor.Snapshot{Timestamp: 1, FreeMemory: 5, TotalMemory: 20}))
	require.NoError(t, agg.HandleMonitoredData(monitor.Snapshot{Timestamp: 2, FreeMemory: 2, TotalMemory: 20}))
	require.NoError(t, agg.Register("host", []string{"rss"}))
	want := agg.Freeze()

	require.NoError(t, s.SaveTelemetry(ctx, "s1", want))
	got, err := s.LoadTelemetry(ctx, "s1")
	require.NoError(t, err)

	for _, ser := range want.Series {
		loaded, ok := got.Get(ser.Name)
		require.True(t, ok, ser.Name)
		assert.Equal(t, ser.Columns, loaded.Columns)
		assert.Len(t, loaded.Points, len(ser.Points))
	}
	mem, _ := got.Get(telemetry.SeriesMemory)
	used, ok := mem.Column("used")
	require.True(t, ok)
	assert.Equal(t, []int64{15, 18}, used)
	assert.Equal(t, 2, got.Capacity)
}

func TestStore_Threads(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	tr := threads.NewTracker(threads.Config{ZombieGracePeriodTicks: 10}, zerolog.Nop())
	require.NoError(t, tr.HandleEvents([]wire.Event{{
		Kind:        wire.KindThreadStart,
		ThreadID:    7,
		ThreadStart: &wire.ThreadStart{Name: "idle", ClassName: "java.lang.Thread"},
	}}))
	require.NoError(t, tr.HandleMonitoredData(monitor.Snapshot{Timestamp: 10, Threads: []monitor.ThreadSample{
		{ID: 1, Name: "main", State: monitor.StateRunning},
	}}))
	require.NoError(t, tr.HandleMonitoredData(monitor.Snapshot{Timestamp: 20, Threads: []monitor.ThreadSample{
		{ID: 1, State: monitor.StateWait},
	}}))
	want := tr.Snapshot()

	require.NoError(t, s.SaveThreads(ctx, "s1", want))
	got, err := s.LoadThreads(ctx, "s1")
	require.NoError(t, err)

	main, ok := got.Thread(1)
	require.True(t, ok)
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, monitor.StateRunning, main.StateAt(15))
	assert.Equal(t, monitor.StateWait, main.StateAt(25))

	idle, ok := got.Thread(7)
	require.True(t, ok)
	assert.Equal(t, "idle", idle.Name)
	wantIdle, _ := want.Thread(7)
	assert.Equal(t, wantIdle.Len(), idle.Len())
}

func TestStore_CCTRoundTrip(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	want := cctSnapshot(t)
	want.ProfilePoints[3] = 11
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "s1", Source: "test", LastTimestamp: int64(want.LastTimestamp)}))
	require.NoError(t, s.SaveCCT(ctx, "s1", want))

	got, err := s.LoadCCT(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want.LastTimestamp, got.LastTimestamp)
	assert.Equal(t, uint64(11), got.ProfilePoints[3])
	require.Len(t, got.Threads, len(want.Threads))

	for _, wt := range want.Threads {
		gt, ok := got.Thread(wt.ThreadID)
		require.True(t, ok)
		assert.Equal(t, wt.Root.Inclusive, gt.Root.Inclusive)
		assert.Equal(t, wt.Root.Count(), gt.Root.Count())

		type counters struct{ inv, incl, excl uint64 }
		collect := func(root *cpu.Node) map[uint64]counters {
			m := make(map[uint64]counters)
			root.Walk(func(n *cpu.Node, path []uint32) bool {
				m[cpu.PathID(path)] = counters{n.Invocations, n.Inclusive, n.Exclusive}
				return true
			})
			return m
		}
		assert.Equal(t, collect(wt.Root), collect(gt.Root))
	}

	// Flat profiles of the original and reloaded trees agree.
	assert.Equal(t, cpu.Flatten(want, methods(), 0).Rows(), cpu.Flatten(got, methods(), 0).Rows())
}

func TestStore_SavingTwiceReplacesRows(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	snap := cctSnapshot(t)
	flat := cpu.Flatten(snap, methods(), 0)
	agg, err := telemetry.NewAggregator(4, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, agg.HandleMonitoredData(monitor.Snapshot{Timestamp: 1, FreeMemory: 5, TotalMemory: 20}))
	tr := threads.NewTracker(threads.Config{}, zerolog.Nop())
	require.NoError(t, tr.HandleMonitoredData(monitor.Snapshot{Timestamp: 10, Threads: []monitor.ThreadSample{
		{ID: 1, Name: "main", State: monitor.StateRunning},
	}}))

	for range 2 {
		require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "s1", Source: "test"}))
		require.NoError(t, s.SaveCCT(ctx, "s1", snap))
		require.NoError(t, s.SaveFlatProfile(ctx, "s1", flat))
		require.NoError(t, s.SaveTelemetry(ctx, "s1", agg.Freeze()))
		require.NoError(t, s.SaveThreads(ctx, "s1", tr.Snapshot()))
	}

	rows, err := s.LoadFlatProfile(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rows, flat.Len())

	got, err := s.LoadCCT(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Threads, len(snap.Threads))
	for _, wt := range snap.Threads {
		gt, ok := got.Thread(wt.ThreadID)
		require.True(t, ok)
		assert.Equal(t, wt.Root.Count(), gt.Root.Count())
	}

	tel, err := s.LoadTelemetry(ctx, "s1")
	require.NoError(t, err)
	mem, ok := tel.Get(telemetry.SeriesMemory)
	require.True(t, ok)
	assert.Len(t, mem.Points, 1)

	th, err := s.LoadThreads(ctx, "s1")
	require.NoError(t, err)
	main, ok := th.Thread(1)
	require.True(t, ok)
	assert.Equal(t, 1, main.Len())

	// A smaller profile replaces the larger one entirely.
	require.NoError(t, s.SaveFlatProfile(ctx, "s1", flat.Top(1)))
	rows, err = s.LoadFlatProfile(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_DeleteSession(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	s := newStore(t)

	snap := cctSnapshot(t)
	require.NoError(t, s.SaveSession(ctx, SessionRecord{ID: "s1", Source: "test"}))
	require.NoError(t, s.SaveCCT(ctx, "s1", snap))
	require.NoError(t, s.SaveFlatProfile(ctx, "s1", cpu.Flatten(snap, methods(), 0)))

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	rows, err := s.LoadFlatProfile(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	got, err := s.LoadCCT(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Threads)
	sessions, err := s.ListSessions(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
