package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/testutil"
)

func TestReaderWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(KindEventBuffer, []byte{1, 2, 3}))
	require.NoError(t, w.WriteJSON(KindTimerInfo, TimerInfo{TicksPerSecond: 1e9, TwoTimestamps: true}))
	require.NoError(t, w.WriteFrame(KindEnd, nil))

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, KindEventBuffer, f.Kind)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	var ti TimerInfo
	require.NoError(t, DecodeJSON(f, &ti))
	assert.Equal(t, uint64(1e9), ti.TicksPerSecond)
	assert.True(t, ti.TwoTimestamps)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, KindEnd, f.Kind)
	assert.Empty(t, f.Payload)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"unknown kind", []byte{99, 0, 0, 0, 0}, ErrUnknownKind},
		{"too large", binary.BigEndian.AppendUint32([]byte{byte(KindEventBuffer)}, MaxFrameSize+1), ErrFrameTooLarge},
		{"cut header", []byte{byte(KindEventBuffer), 0}, io.ErrUnexpectedEOF},
		{"cut payload", []byte{byte(KindEventBuffer), 0, 0, 0, 4, 1, 2}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data)).ReadFrame()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("LAZY")
	require.NoError(t, err)
	assert.Equal(t, SchemeLazy, s)
	_, err = ParseScheme("sampled")
	assert.Error(t, err)
}

func TestRecording_RoundTrip(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	path := filepath.Join(t.TempDir(), "session.rec")
	w, err := CreateRecording(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteJSON(KindMethodTable, MethodTable{
		Methods: []cpu.MethodInfo{{ID: 1, ClassName: "A", Method: "run"}},
		Classes: []memory.ClassInfo{{ID: 2, Name: "B"}},
	}))
	require.NoError(t, w.WriteFrame(KindEventBuffer, []byte{7}))
	require.NoError(t, w.Close())

	rec, err := OpenRecording(path)
	require.NoError(t, err)
	defer func() { _ = rec.Close() }()

	f, err := rec.Next(ctx)
	require.NoError(t, err)
	var mt MethodTable
	require.NoError(t, DecodeJSON(f, &mt))
	assert.Equal(t, "A.run", mt.Methods[0].FullName())
	assert.Equal(t, "B", mt.Classes[0].Name)

	f, err = rec.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindEventBuffer, f.Kind)

	_, err = rec.Next(ctx)
	assert.ErrorIs(t, err, io.EOF, "end frame reads as EOF")
}

func TestOpenRecording_Missing(t *testing.T) {
	_, err := OpenRecording(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestConn_CommandsAndFrames(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	client, agentSide := net.Pipe()
	conn := NewConn(client, testutil.NewTestLogger(t))

	agentReader := NewReader(agentSide)
	agentWriter := NewWriter(agentSide)

	cmds := make(chan Command, 4)
	go func() {
		for {
			f, err := agentReader.ReadFrame()
			if err != nil {
				close(cmds)
				return
			}
			var c Command
			if DecodeJSON(f, &c) == nil {
				cmds <- c
			}
		}
	}()

	require.NoError(t, conn.StartCPU(ctx, SchemeTotal))
	require.NoError(t, conn.StartMemory(ctx, memory.ModeLiveness))
	require.NoError(t, conn.RequestDump(ctx, 7))

	assert.Equal(t, Command{Op: OpStartCPU, Scheme: SchemeTotal}, <-cmds)
	assert.Equal(t, Command{Op: OpStartMemory, Mode: "liveness"}, <-cmds)
	assert.Equal(t, Command{Op: OpDump, Seq: 7}, <-cmds)

	go func() {
		_ = agentWriter.WriteFrame(KindEventBuffer, []byte{1})
		_ = agentWriter.WriteJSON(KindDumpDone, DumpDone{Seq: 7})
		_ = agentWriter.WriteFrame(KindEnd, nil)
	}()
	f, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, f.Payload)

	f, err = conn.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, KindDumpDone, f.Kind)
	var done DumpDone
	require.NoError(t, DecodeJSON(f, &done))
	assert.Equal(t, uint64(7), done.Seq)

	_, err = conn.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, conn.Close())
	_ = agentSide.Close()
}

func TestConn_NextHonoursCancellation(t *testing.T) {
	client, agentSide := net.Pipe()
	defer func() { _ = agentSide.Close() }()
	conn := NewConn(client, testutil.NewTestLogger(t))
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Next(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestAccept_AndTee(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	// Find a free port, then release it for Accept.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := Accept(ctx, addr, testutil.NewTestLogger(t))
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	var agent net.Conn
	require.Eventually(t, func() bool {
		agent, err = net.Dial("tcp", addr)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer func() { _ = agent.Close() }()

	conn := <-accepted
	require.NotNil(t, conn)

	w := NewWriter(agent)
	go func() {
		_ = w.WriteFrame(KindEventBuffer, []byte{1, 2})
		_ = w.WriteFrame(KindEnd, nil)
	}()

	path := filepath.Join(t.TempDir(), "tee.rec")
	rec, err := CreateRecording(path)
	require.NoError(t, err)
	src := Tee(conn, rec, testutil.NewTestLogger(t))

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, f.Payload)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, rec.Close())

	replay, err := OpenRecording(path)
	require.NoError(t, err)
	defer func() { _ = replay.Close() }()
	f, err = replay.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindEventBuffer, f.Kind)
	_, err = replay.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAccept_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Accept(ctx, "127.0.0.1:0", testutil.NewTestLogger(t))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after cancellation")
	}
}
