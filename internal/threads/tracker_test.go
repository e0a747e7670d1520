package threads

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

func tick(ts uint64, samples ...monitor.ThreadSample) monitor.Snapshot {
	return monitor.Snapshot{Timestamp: ts, Threads: samples}
}

func sample(id uint16, st monitor.State) monitor.ThreadSample {
	return monitor.ThreadSample{ID: id, Name: "t", State: st}
}

func TestTracker_RunLengthCompression(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 1000}, zerolog.Nop())

	states := []monitor.State{
		monitor.StateRunning, monitor.StateRunning, monitor.StateWait,
		monitor.StateWait, monitor.StateWait, monitor.StateRunning,
	}
	for i, st := range states {
		require.NoError(t, tr.HandleMonitoredData(tick(uint64(i*10), sample(1, st))))
	}

	rec, ok := tr.Snapshot().Thread(1)
	require.True(t, ok)
	require.Equal(t, 3, rec.Len())
	for i := 1; i < rec.Len(); i++ {
		assert.NotEqual(t, rec.StateAtIndex(i-1), rec.StateAtIndex(i))
	}
	assert.Equal(t, uint64(20), rec.TimestampAt(1))
	assert.Equal(t, uint64(50), rec.TimestampAt(2))
}

func TestTracker_StateAt(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 1000}, zerolog.Nop())
	require.NoError(t, tr.HandleMonitoredData(tick(100, sample(1, monitor.StateRunning))))
	require.NoError(t, tr.HandleMonitoredData(tick(200, sample(1, monitor.StateSleeping))))
	require.NoError(t, tr.HandleMonitoredData(tick(300, sample(1, monitor.StateMonitor))))

	tests := []struct {
		ts   uint64
		want monitor.State
	}{
		{50, monitor.StateUnknown},
		{100, monitor.StateRunning},
		{199, monitor.StateRunning},
		{200, monitor.StateSleeping},
		{1000, monitor.StateMonitor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.StateAt(1, tt.ts), "ts=%d", tt.ts)
	}
	assert.Equal(t, monitor.StateUnknown, tr.StateAt(99, 150))
}

func TestTracker_ZombieAfterGracePeriod(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 50}, zerolog.Nop())
	require.NoError(t, tr.HandleMonitoredData(tick(0, sample(1, monitor.StateRunning), sample(2, monitor.StateRunning))))

	require.NoError(t, tr.HandleMonitoredData(tick(40, sample(1, monitor.StateRunning))))
	assert.Equal(t, monitor.StateRunning, tr.StateAt(2, 40), "still within grace period")

	require.NoError(t, tr.HandleMonitoredData(tick(100, sample(1, monitor.StateRunning))))
	assert.Equal(t, monitor.StateZombie, tr.StateAt(2, 100))

	require.NoError(t, tr.HandleMonitoredData(tick(150, sample(1, monitor.StateRunning))))
	rec, _ := tr.Snapshot().Thread(2)
	assert.Equal(t, 2, rec.Len(), "zombie is recorded once")
}

func TestTracker_ThreadEndMarksZombieWithoutGrace(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 1 << 40}, zerolog.Nop())
	require.NoError(t, tr.HandleEvents([]wire.Event{{
		Kind: wire.KindThreadStart, ThreadID: 3,
		ThreadStart: &wire.ThreadStart{Name: "pool-1", ClassName: "java.lang.Thread"},
	}}))
	require.NoError(t, tr.HandleMonitoredData(tick(10, monitor.ThreadSample{ID: 3, State: monitor.StateRunning})))
	require.NoError(t, tr.HandleEvents([]wire.Event{{Kind: wire.KindThreadEnd, ThreadID: 3}}))
	require.NoError(t, tr.HandleMonitoredData(tick(20)))

	assert.Equal(t, monitor.StateZombie, tr.StateAt(3, 20))
	rec, _ := tr.Snapshot().Thread(3)
	assert.Equal(t, "pool-1", rec.Name, "unnamed samples keep the event-stream name")
	assert.Equal(t, "java.lang.Thread", rec.ClassName)
}

func TestTracker_ClearStatesKeepsRecords(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 10}, zerolog.Nop())
	require.NoError(t, tr.HandleMonitoredData(tick(1, sample(1, monitor.StateRunning))))
	tr.ClearStates()

	snap := tr.Snapshot()
	require.Len(t, snap.Threads, 1)
	assert.Equal(t, 0, snap.Threads[0].Len())

	require.NoError(t, tr.HandleMonitoredData(tick(2, sample(1, monitor.StateRunning))))
	rec, _ := tr.Snapshot().Thread(1)
	assert.Equal(t, 1, rec.Len())
}

func TestTracker_WaitTime(t *testing.T) {
	tr := NewTracker(Config{ZombieGracePeriodTicks: 1000}, zerolog.Nop())
	require.NoError(t, tr.HandleMonitoredData(tick(0, sample(1, monitor.StateRunning))))
	require.NoError(t, tr.HandleMonitoredData(tick(100, sample(1, monitor.StateWait))))
	require.NoError(t, tr.HandleMonitoredData(tick(150, sample(1, monitor.StateMonitor))))
	require.NoError(t, tr.HandleMonitoredData(tick(200, sample(1, monitor.StateRunning))))
	require.NoError(t, tr.HandleMonitoredData(tick(300, sample(1, monitor.StateWait))))
	require.NoError(t, tr.HandleMonitoredData(tick(400, sample(1, monitor.StateWait))))

	assert.Equal(t, uint64(100), tr.WaitTime(1, 0, 200))
	assert.Equal(t, uint64(70), tr.WaitTime(1, 130, 250))
	assert.Equal(t, uint64(50), tr.WaitTime(1, 350, 500), "open state extends to the last tick")
	assert.Equal(t, uint64(0), tr.WaitTime(1, 200, 300))
	assert.Equal(t, uint64(0), tr.WaitTime(2, 0, 500))
}

func TestRecord_StatesInAndBuckets(t *testing.T) {
	rec := Record{History: []Transition{
		{Timestamp: 0, State: monitor.StateRunning},
		{Timestamp: 10, State: monitor.StateWait},
		{Timestamp: 20, State: monitor.StateRunning},
	}}

	ss := rec.StatesIn(5, 15)
	assert.True(t, ss.Has(monitor.StateRunning))
	assert.True(t, ss.Has(monitor.StateWait))
	assert.False(t, ss.Has(monitor.StateSleeping))
	assert.Equal(t, "running|wait", ss.String())

	buckets := rec.Buckets(0, 30, 3)
	require.Len(t, buckets, 3)
	assert.Equal(t, StateSet(0).Add(monitor.StateRunning), buckets[0])
	assert.Equal(t, StateSet(0).Add(monitor.StateWait), buckets[1])
	assert.Equal(t, StateSet(0).Add(monitor.StateRunning), buckets[2])

	assert.True(t, rec.StatesIn(40, 40).Empty())
}

func TestTracker_MonitorClasses(t *testing.T) {
	tr := NewTracker(Config{}, zerolog.Nop())
	assert.Nil(t, tr.Snapshot().Monitors)

	require.NoError(t, tr.HandleEvents([]wire.Event{
		{Kind: wire.KindNewMonitor, Monitor: &wire.Monitor{Hash: 7, ClassName: "java.lang.Object"}},
		{Kind: wire.KindNewMonitor, Monitor: &wire.Monitor{Hash: 9, ClassName: "com.acme.Cache"}},
	}))
	snap := tr.Snapshot()
	assert.Equal(t, map[uint32]string{7: "java.lang.Object", 9: "com.acme.Cache"}, snap.Monitors)

	tr.Reset()
	assert.Nil(t, tr.Snapshot().Monitors)
	assert.Len(t, snap.Monitors, 2)
}

func TestRecord_BucketsOverWideRange(t *testing.T) {
	const to = uint64(1)<<56 - 1
	rec := Record{History: []Transition{
		{Timestamp: 0, State: monitor.StateRunning},
		{Timestamp: 1 << 55, State: monitor.StateWait},
	}}

	buckets := rec.Buckets(0, to, 1024)
	require.Len(t, buckets, 1024)
	assert.Equal(t, StateSet(0).Add(monitor.StateRunning), buckets[0])
	assert.Equal(t, StateSet(0).Add(monitor.StateRunning), buckets[511])
	assert.True(t, buckets[512].Has(monitor.StateWait))
	assert.Equal(t, StateSet(0).Add(monitor.StateWait), buckets[1023])
}
