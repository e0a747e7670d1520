// Package transport frames the agent connection: event buffers and
// out-of-band data flow from the agent, commands flow to it.
//
// Every frame is [kind u8][length u32 big-endian][payload]. Event buffer
// payloads are raw wire bytes; every other payload is JSON.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/memory"
)

// Kind identifies a frame payload.
type Kind uint8

const (
	KindEventBuffer Kind = iota + 1
	KindMonitoredData
	KindMethodTable
	KindTimerInfo
	KindCommand
	KindEnd
	KindDumpDone
)

var kindNames = map[Kind]string{
	KindEventBuffer:   "event_buffer",
	KindMonitoredData: "monitored_data",
	KindMethodTable:   "method_table",
	KindTimerInfo:     "timer_info",
	KindCommand:       "command",
	KindEnd:           "end",
	KindDumpDone:      "dump_done",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const headerSize = 5

// MaxFrameSize bounds a single payload.
const MaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownKind   = errors.New("unknown frame kind")
)

// Frame is one unit of the agent connection.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Reader reads frames from a byte stream.
type Reader struct {
	r      *bufio.Reader
	header [headerSize]byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// ReadFrame returns the next frame. It returns io.EOF only at a frame
// boundary; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Frame{}, err
	}
	kind := Kind(r.header[0])
	if _, ok := kindNames[kind]; !ok {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, r.header[0])
	}
	n := binary.BigEndian.Uint32(r.header[1:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %s frame of %d bytes", ErrFrameTooLarge, kind, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("failed to read %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Writer writes frames. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one frame.
func (w *Writer) WriteFrame(kind Kind, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %s frame of %d bytes", ErrFrameTooLarge, kind, len(payload))
	}
	var header [headerSize]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return err
}

// WriteJSON marshals v and writes it as one frame.
func (w *Writer) WriteJSON(kind Kind, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}
	return w.WriteFrame(kind, b)
}

// MethodTable is the payload of a KindMethodTable frame. The agent sends
// it incrementally as classes get instrumented.
type MethodTable struct {
	Methods []cpu.MethodInfo   `json:"methods,omitempty"`
	Classes []memory.ClassInfo `json:"classes,omitempty"`
}

// TimerInfo is the payload of a KindTimerInfo frame, sent before any event
// buffer.
type TimerInfo struct {
	TicksPerSecond uint64 `json:"ticks_per_second"`
	TwoTimestamps  bool   `json:"two_timestamps"`
}

// Scheme is the CPU instrumentation scheme.
type Scheme string

const (
	SchemeEager Scheme = "eager"
	SchemeLazy  Scheme = "lazy"
	SchemeTotal Scheme = "total"
)

// ParseScheme validates an instrumentation scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch sc := Scheme(strings.ToLower(s)); sc {
	case SchemeEager, SchemeLazy, SchemeTotal:
		return sc, nil
	}
	return "", fmt.Errorf("unknown instrumentation scheme %q (want eager, lazy or total)", s)
}

// Command operations sent to the agent.
const (
	OpStartCPU    = "start_cpu"
	OpStartMemory = "start_memory"
	OpDump        = "dump"
	OpDetach      = "detach"
)

// Command is the payload of a KindCommand frame.
type Command struct {
	Op     string `json:"op"`
	Scheme Scheme `json:"scheme,omitempty"`
	Mode   string `json:"mode,omitempty"`
	// Seq numbers a dump request. The agent echoes it in DumpDone.
	Seq uint64 `json:"seq,omitempty"`
}

// DumpDone is the payload of a KindDumpDone frame. The agent sends it after
// the last event buffer of the dump requested with Seq.
type DumpDone struct {
	Seq uint64 `json:"seq"`
}

// DecodeJSON unmarshals a frame payload into v.
func DecodeJSON(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Kind, err)
	}
	return nil
}
