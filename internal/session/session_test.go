package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/dispatch"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/testutil"
	"github.com/coral-mesh/jvmprof/internal/transport"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

// frames is a Source over a fixed list, ending with err (io.EOF if nil).
type frames struct {
	list []transport.Frame
	err  error
}

func (f *frames) Next(ctx context.Context) (transport.Frame, error) {
	if err := ctx.Err(); err != nil {
		return transport.Frame{}, err
	}
	if len(f.list) == 0 {
		if f.err != nil {
			return transport.Frame{}, f.err
		}
		return transport.Frame{}, io.EOF
	}
	fr := f.list[0]
	f.list = f.list[1:]
	return fr, nil
}

func (f *frames) Close() error { return nil }

// blockingSource waits for cancellation.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (transport.Frame, error) {
	<-ctx.Done()
	return transport.Frame{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

type mockAgent struct {
	mu      sync.Mutex
	cpu     []transport.Scheme
	modes   []memory.Mode
	dumps   int
	onDump  func(seq uint64)
	failing error
}

func (a *mockAgent) StartCPU(_ context.Context, s transport.Scheme) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cpu = append(a.cpu, s)
	return a.failing
}

func (a *mockAgent) StartMemory(_ context.Context, m memory.Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes = append(a.modes, m)
	return a.failing
}

func (a *mockAgent) RequestDump(_ context.Context, seq uint64) error {
	a.mu.Lock()
	a.dumps++
	onDump := a.onDump
	a.mu.Unlock()
	if onDump != nil {
		go onDump(seq)
	}
	return a.failing
}

func (a *mockAgent) dumpCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dumps
}

func jsonFrame(t *testing.T, kind transport.Kind, v any) transport.Frame {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return transport.Frame{Kind: kind, Payload: b}
}

func nestedCalls() []byte {
	return wire.NewEncoder(false).
		SetThread(1).
		MethodEntry(1, 0, 0).
		MethodEntry(2, 10, 0).
		MethodExit(2, 30, 0).
		MethodExit(1, 50, 0).
		Bytes()
}

func newSession(t *testing.T, agent transport.Agent, mutate ...func(*config.Config)) *Session {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, agent, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return s
}

func replayFrames(t *testing.T) []transport.Frame {
	return []transport.Frame{
		jsonFrame(t, transport.KindTimerInfo, transport.TimerInfo{TicksPerSecond: 1_000_000}),
		jsonFrame(t, transport.KindMethodTable, transport.MethodTable{
			Methods: []cpu.MethodInfo{
				{ID: 1, ClassName: "app.Main", Method: "main"},
				{ID: 2, ClassName: "app.Worker", Method: "work"},
			},
			Classes: []memory.ClassInfo{{ID: 3, Name: "byte[]"}},
		}),
		{Kind: transport.KindEventBuffer, Payload: nestedCalls()},
		jsonFrame(t, transport.KindMonitoredData, monitor.Snapshot{
			Timestamp:   60,
			FreeMemory:  10,
			TotalMemory: 40,
			Threads:     []monitor.ThreadSample{{ID: 1, Name: "main", State: monitor.StateRunning}},
		}),
	}
}

func TestSession_RunReplaysRecording(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	require.NoError(t, s.Run(ctx, &frames{list: replayFrames(t)}))

	assert.Equal(t, uint64(1_000_000), s.TicksPerSecond())
	assert.ErrorIs(t, s.Terminated(), dispatch.ErrSessionTerminated)
	assert.ErrorIs(t, s.Terminated(), io.EOF)

	p, err := s.FlatProfile(FlatQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	assert.Equal(t, "app.Main.main", p.Row(0).Name)
	assert.Equal(t, uint64(30), p.Row(0).ExclusiveMicros)
	assert.Equal(t, uint64(50), p.Row(0).InclusiveMicros)
	assert.Equal(t, "app.Worker.work", p.Row(1).Name)
	assert.Equal(t, uint64(20), p.Row(1).ExclusiveMicros)

	mem, ok := s.Telemetry().Get(telemetry.SeriesMemory)
	require.True(t, ok)
	used, ok := mem.Column("used")
	require.True(t, ok)
	assert.Equal(t, []int64{30}, used)

	th, ok := s.Threads().Thread(1)
	require.True(t, ok)
	assert.Equal(t, monitor.StateRunning, th.StateAt(60))

	d := s.Diagnostics()
	assert.Equal(t, s.ID(), d.SessionID)
	assert.Equal(t, 2, d.Methods)
	assert.Equal(t, 1, d.Classes)
	assert.Equal(t, uint64(4), d.Dispatch.Events)
	assert.Equal(t, uint64(1), d.Dispatch.MonitorTicks)
}

func TestSession_FlatProfileQueries(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	require.NoError(t, s.Run(ctx, &frames{list: replayFrames(t)}))

	p, err := s.FlatProfile(FlatQuery{SortBy: "name", Ascending: true, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	assert.Equal(t, "app.Main.main", p.Row(0).Name)

	p, err = s.FlatProfile(FlatQuery{Filter: cpu.Filter{Pattern: "*Worker*", Mode: cpu.MatchWildcard}})
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	assert.Equal(t, uint32(2), p.Row(0).MethodID)

	p, err = s.FlatProfile(FlatQuery{ThreadID: 1, HasThread: true})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	_, err = s.FlatProfile(FlatQuery{ThreadID: 9, HasThread: true})
	assert.Error(t, err)

	_, err = s.FlatProfile(FlatQuery{SortBy: "colour"})
	assert.Error(t, err)
}

func TestSession_RunTransportFailure(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	err := s.Run(ctx, &frames{
		list: []transport.Frame{{Kind: transport.KindEventBuffer, Payload: nestedCalls()}},
		err:  io.ErrUnexpectedEOF,
	})
	assert.ErrorIs(t, err, dispatch.ErrSessionTerminated)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Results collected before the failure stay readable.
	p, perr := s.FlatProfile(FlatQuery{})
	require.NoError(t, perr)
	assert.Equal(t, 2, p.Len())
}

func TestSession_RunMalformedBuffer(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	buf := append(nestedCalls(), 0x7F)
	err := s.Run(ctx, &frames{list: []transport.Frame{{Kind: transport.KindEventBuffer, Payload: buf}}})
	assert.ErrorIs(t, err, dispatch.ErrSessionTerminated)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestSession_RunTruncatedStream(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	err := s.Run(ctx, &frames{list: []transport.Frame{{Kind: transport.KindEventBuffer, Payload: nestedCalls()[:5]}}})
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestSession_RunSkipsBadMonitoredData(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	require.NoError(t, s.Run(ctx, &frames{list: []transport.Frame{
		{Kind: transport.KindMonitoredData, Payload: []byte("{not json")},
		{Kind: transport.KindCommand, Payload: []byte(`{"op":"dump"}`)},
	}}))
	assert.Equal(t, uint64(1), s.Diagnostics().BadMonitoredData)
}

func TestSession_RunCancelled(t *testing.T) {
	s := newSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, blockingSource{}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.ErrorIs(t, s.Terminated(), context.Canceled)
}

func TestSession_ControlWithoutAgent(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	assert.ErrorIs(t, s.StartCPU(ctx, transport.SchemeTotal), dispatch.ErrNoAgent)
	assert.ErrorIs(t, s.StartMemory(ctx, memory.ModeLiveness), dispatch.ErrNoAgent)
	assert.ErrorIs(t, s.ForceFlush(ctx), dispatch.ErrNoAgent)
}

func TestSession_ControlForwardsToAgent(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	agent := &mockAgent{}
	s := newSession(t, agent)
	require.NoError(t, s.StartCPU(ctx, transport.SchemeLazy))
	require.NoError(t, s.StartMemory(ctx, memory.ModeLiveness))

	assert.Equal(t, []transport.Scheme{transport.SchemeLazy}, agent.cpu)
	assert.Equal(t, []memory.Mode{memory.ModeLiveness}, agent.modes)
	assert.Equal(t, "liveness", s.Diagnostics().MemoryMode)
}

func TestSession_ForceFlush(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	agent := &mockAgent{}
	s := newSession(t, agent)
	agent.onDump = func(seq uint64) {
		_ = s.handleFrame(transport.Frame{Kind: transport.KindEventBuffer, Payload: nestedCalls()})
		_ = s.handleFrame(jsonFrame(t, transport.KindDumpDone, transport.DumpDone{Seq: seq}))
	}

	require.NoError(t, s.ForceFlush(ctx))
	assert.Equal(t, 1, agent.dumpCount())
	p, err := s.FlatProfile(FlatQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len(), "flushed buffer is visible once ForceFlush returns")
}

func TestSession_ForceFlushIgnoresUnrequestedBuffers(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	agent := &mockAgent{}
	s := newSession(t, agent, func(c *config.Config) {
		c.Dispatch.FlushTimeout = 100 * time.Millisecond
	})
	agent.onDump = func(uint64) {
		_ = s.handleFrame(transport.Frame{Kind: transport.KindEventBuffer, Payload: nestedCalls()})
	}

	assert.ErrorIs(t, s.ForceFlush(ctx), dispatch.ErrFlushTimeout)
}

func TestSession_RunRecordsDumpCompletion(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	require.NoError(t, s.Run(ctx, &frames{list: []transport.Frame{
		{Kind: transport.KindEventBuffer, Payload: nestedCalls()},
		jsonFrame(t, transport.KindDumpDone, transport.DumpDone{Seq: 3}),
		{Kind: transport.KindDumpDone, Payload: []byte("{broken")},
	}}))
	assert.Equal(t, uint64(3), s.Dispatcher().Stats().LastDump)
}

func TestSession_ForceFlushWithRetryGivesUp(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	agent := &mockAgent{}
	s := newSession(t, agent, func(c *config.Config) {
		c.Dispatch.FlushTimeout = 10 * time.Millisecond
		c.Dispatch.FlushRetries = 1
	})

	err := s.ForceFlushWithRetry(ctx)
	assert.ErrorIs(t, err, dispatch.ErrFlushTimeout)
	assert.Equal(t, 2, agent.dumpCount())
}

func TestSession_ForceFlushWithRetryStopsOnOtherErrors(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	agent := &mockAgent{failing: errors.New("agent gone")}
	s := newSession(t, agent, func(c *config.Config) { c.Dispatch.FlushRetries = 3 })

	require.Error(t, s.ForceFlushWithRetry(ctx))
	assert.Equal(t, 1, agent.dumpCount())
}

func TestSession_ResetAndExcludeWaitTime(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	s := newSession(t, nil)
	s.SetExcludeWaitTime(true)
	require.NoError(t, s.Run(ctx, &frames{list: replayFrames(t)}))
	require.NotEmpty(t, s.CPUSnapshot().Threads)

	s.Reset()
	assert.Empty(t, s.CPUSnapshot().Threads)
	p, err := s.FlatProfile(FlatQuery{})
	require.NoError(t, err)
	assert.Zero(t, p.Len())
}

func TestSession_ExternalSeries(t *testing.T) {
	s := newSession(t, nil)
	require.NoError(t, s.RegisterSeries("host", []string{"rss"}))
	require.NoError(t, s.AppendSeries("host", 1, 42))
	assert.Error(t, s.AppendSeries("missing", 1, 1))

	ser, ok := s.Telemetry().Get("host")
	require.True(t, ok)
	rss, _ := ser.Column("rss")
	assert.Equal(t, []int64{42}, rss)
}

func TestSession_RunHostDisabled(t *testing.T) {
	s := newSession(t, nil)
	assert.NoError(t, s.RunHost(context.Background()))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.BufferCapacity = 0
	_, err := New(cfg, nil, testutil.NewTestLogger(t))
	assert.Error(t, err)
}
