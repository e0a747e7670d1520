package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/memory"
)

// Source yields frames from an agent or a recording. Next returns io.EOF
// at a clean end of stream.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Agent accepts control requests.
type Agent interface {
	StartCPU(ctx context.Context, scheme Scheme) error
	StartMemory(ctx context.Context, mode memory.Mode) error
	RequestDump(ctx context.Context, seq uint64) error
}

// Conn is a live agent connection. It is both the Source of results and
// the Agent that receives commands.
type Conn struct {
	conn   net.Conn
	r      *Reader
	w      *Writer
	logger zerolog.Logger
	// writeTimeout bounds every command write.
	writeTimeout time.Duration
}

// NewConn wraps an accepted or dialled connection.
func NewConn(c net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:         c,
		r:            NewReader(c),
		w:            NewWriter(c),
		logger:       logger.With().Str("component", "agent_conn").Str("remote", c.RemoteAddr().String()).Logger(),
		writeTimeout: 5 * time.Second,
	}
}

// Dial connects to an agent listening at addr.
func Dial(ctx context.Context, addr string, logger zerolog.Logger) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", addr, err)
	}
	return NewConn(c, logger), nil
}

// Accept listens on addr and returns the first agent that connects.
// Cancelling ctx stops waiting.
func Accept(ctx context.Context, addr string, logger zerolog.Logger) (*Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logger.Info().Str("listen", ln.Addr().String()).Msg("Waiting for agent to connect")
	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept agent connection: %w", err)
	}
	return NewConn(c, logger), nil
}

// Next reads the next frame. Cancelling ctx unblocks a pending read.
func (c *Conn) Next(ctx context.Context) (Frame, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := c.r.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, err
	}
	if f.Kind == KindEnd {
		return Frame{}, io.EOF
	}
	return f, nil
}

func (c *Conn) send(ctx context.Context, cmd Command) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.w.WriteJSON(KindCommand, cmd); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Op, err)
	}
	c.logger.Debug().Str("op", cmd.Op).Uint64("seq", cmd.Seq).Msg("Command sent to agent")
	return nil
}

// RemoteAddr returns the agent's address.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// StartCPU asks the agent to begin CPU instrumentation.
func (c *Conn) StartCPU(ctx context.Context, scheme Scheme) error {
	return c.send(ctx, Command{Op: OpStartCPU, Scheme: scheme})
}

// StartMemory asks the agent to begin memory instrumentation.
func (c *Conn) StartMemory(ctx context.Context, mode memory.Mode) error {
	return c.send(ctx, Command{Op: OpStartMemory, Mode: mode.String()})
}

// RequestDump asks the agent to push its buffered events now and to
// acknowledge them with a DumpDone frame carrying seq.
func (c *Conn) RequestDump(ctx context.Context, seq uint64) error {
	return c.send(ctx, Command{Op: OpDump, Seq: seq})
}

// Close detaches from the agent and closes the connection.
func (c *Conn) Close() error {
	if err := c.send(context.Background(), Command{Op: OpDetach}); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug().Err(err).Msg("Failed to send detach")
	}
	return c.conn.Close()
}

// Recording replays frames captured from an agent.
type Recording struct {
	f *os.File
	r *Reader
}

// OpenRecording opens a recording for replay.
func OpenRecording(path string) (*Recording, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	return &Recording{f: f, r: NewReader(f)}, nil
}

// Next returns the next recorded frame.
func (r *Recording) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f, err := r.r.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	if f.Kind == KindEnd {
		return Frame{}, io.EOF
	}
	return f, nil
}

// Close closes the recording file.
func (r *Recording) Close() error { return r.f.Close() }

// RecordingWriter captures frames to a file.
type RecordingWriter struct {
	*Writer
	f *os.File
}

// CreateRecording creates or truncates a recording file.
func CreateRecording(path string) (*RecordingWriter, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return &RecordingWriter{Writer: NewWriter(f), f: f}, nil
}

// Close writes the end marker and closes the file.
func (w *RecordingWriter) Close() error {
	if err := w.WriteFrame(KindEnd, nil); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Tee returns a Source that copies every frame read from src to w.
// Recording failures are logged once and do not interrupt the session.
func Tee(src Source, w *RecordingWriter, logger zerolog.Logger) Source {
	return &teeSource{Source: src, w: w, logger: logger}
}

type teeSource struct {
	Source
	w      *RecordingWriter
	logger zerolog.Logger
	failed bool
}

func (t *teeSource) Next(ctx context.Context) (Frame, error) {
	f, err := t.Source.Next(ctx)
	if err != nil || t.failed {
		return f, err
	}
	if werr := t.w.WriteFrame(f.Kind, f.Payload); werr != nil {
		t.failed = true
		t.logger.Warn().Err(werr).Msg("Failed to record frame, recording stopped")
	}
	return f, nil
}
