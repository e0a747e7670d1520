// Package dispatch decodes agent buffers and fans the results out to the
// registered builders. It owns the forced-flush protocol with the agent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/monitor"
	"github.com/coral-mesh/jvmprof/internal/wire"
)

var (
	// ErrFlushTimeout means no flushed data arrived in time. Callers should
	// treat it as "no new data yet" and may retry.
	ErrFlushTimeout = errors.New("flush timed out")
	// ErrFlushCancelled means collected results were reset while waiting.
	ErrFlushCancelled = errors.New("flush cancelled by reset")
	// ErrSessionTerminated means the transport is gone. Frozen snapshots
	// remain readable.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrNoAgent means there is no live agent to ask for a dump.
	ErrNoAgent = errors.New("no agent connected")
)

// ListenerError wraps a failure of one listener.
type ListenerError struct {
	Listener string
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s failed: %v", e.Listener, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Listener is anything that accumulates results and can discard them.
type Listener interface {
	Name() string
	Reset()
}

// EventListener receives decoded event batches. The slice is reused after
// HandleEvents returns and must not be retained.
type EventListener interface {
	Listener
	HandleEvents(events []wire.Event) error
}

// MonitorListener receives periodic monitored data.
type MonitorListener interface {
	Listener
	HandleMonitoredData(md monitor.Snapshot) error
}

// Flusher asks the remote agent to push its buffered events now. The agent
// acknowledges seq once every event of the dump has been sent, which the
// receiving side reports through Dispatcher.DumpComplete.
type Flusher interface {
	RequestDump(ctx context.Context, seq uint64) error
}

// Stats are counters exposed for diagnostics.
type Stats struct {
	Buffers        uint64 `json:"buffers"`
	Bytes          uint64 `json:"bytes"`
	Events         uint64 `json:"events"`
	MonitorTicks   uint64 `json:"monitor_ticks"`
	ListenerErrors uint64 `json:"listener_errors"`
	Resets         uint64 `json:"resets"`
	Flushes        uint64 `json:"flushes"`
	FlushTimeouts  uint64 `json:"flush_timeouts"`
	LastDump       uint64 `json:"last_dump"`
	PendingBytes   int    `json:"pending_bytes"`
	Terminated     string `json:"terminated,omitempty"`
}

// Dispatcher serialises every mutation of listener state: Dispatch,
// DispatchMonitoredData, Reset and View all run under one lock, so a reset
// never interleaves with delivery of a decoded buffer.
type Dispatcher struct {
	logger zerolog.Logger
	agent  Flusher

	mu        sync.Mutex
	decoder   *wire.Decoder
	listeners []Listener
	batch     []wire.Event

	// nextDump numbers dump requests.
	nextDump atomic.Uint64

	// sigMu guards the flush signalling state below.
	sigMu sync.Mutex
	// dumped is the highest dump sequence the agent has completed.
	dumped     uint64
	resets     uint64
	changed    chan struct{}
	terminated error

	buffers        atomic.Uint64
	bytes          atomic.Uint64
	events         atomic.Uint64
	monitorTicks   atomic.Uint64
	listenerErrors atomic.Uint64
	flushes        atomic.Uint64
	flushTimeouts  atomic.Uint64
}

// New creates a dispatcher. agent may be nil for offline replays.
func New(opts wire.Options, agent Flusher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		agent:   agent,
		decoder: wire.NewDecoder(opts),
		changed: make(chan struct{}),
	}
}

// AddListener registers l. Listeners are notified in registration order.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// RemoveListener unregisters l and reports whether it was registered.
func (d *Dispatcher) RemoveListener(l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.listeners {
		if x == l {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the registered listener names in order.
func (d *Dispatcher) Listeners() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.listeners))
	for i, l := range d.listeners {
		names[i] = l.Name()
	}
	return names
}

// Dispatch decodes buf and delivers the events to every EventListener. A
// failing listener is logged and skipped. A malformed stream terminates the
// session and the decode error is returned.
func (d *Dispatcher) Dispatch(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.terminatedErr(); err != nil {
		return err
	}

	d.buffers.Add(1)
	d.bytes.Add(uint64(len(buf)))

	var decodeErr error
	d.batch = d.batch[:0]
	for ev, err := range d.decoder.Events(buf) {
		if err != nil {
			decodeErr = err
			break
		}
		if ev.Kind == wire.KindResetCollectors {
			d.deliver()
			d.resetLocked("agent")
			continue
		}
		d.batch = append(d.batch, ev)
	}
	d.deliver()

	if decodeErr != nil {
		d.logger.Error().Err(decodeErr).Msg("Event stream is malformed, terminating session")
		d.terminate(decodeErr)
		return fmt.Errorf("failed to decode event buffer: %w", decodeErr)
	}
	return nil
}

// DumpComplete records that the agent finished the dump numbered seq. It
// must be called after the dump's event buffers have been dispatched.
func (d *Dispatcher) DumpComplete(seq uint64) {
	d.signal(func() {
		if seq > d.dumped {
			d.dumped = seq
		}
	})
}

func (d *Dispatcher) deliver() {
	if len(d.batch) == 0 {
		return
	}
	d.events.Add(uint64(len(d.batch)))
	for _, l := range d.listeners {
		el, ok := l.(EventListener)
		if !ok {
			continue
		}
		d.call(l, func() error { return el.HandleEvents(d.batch) })
	}
	d.batch = d.batch[:0]
}

// DispatchMonitoredData delivers one monitored-data tick to every
// MonitorListener.
func (d *Dispatcher) DispatchMonitoredData(md monitor.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.terminatedErr(); err != nil {
		return err
	}
	d.monitorTicks.Add(1)
	for _, l := range d.listeners {
		ml, ok := l.(MonitorListener)
		if !ok {
			continue
		}
		d.call(l, func() error { return ml.HandleMonitoredData(md) })
	}
	return nil
}

// call runs fn with panic isolation so one listener cannot break delivery
// to the others.
func (d *Dispatcher) call(l Listener, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	d.listenerErrors.Add(1)
	lerr := &ListenerError{Listener: l.Name(), Err: err}
	d.logger.Warn().Err(lerr).Str("listener", l.Name()).Msg("Listener failed, skipping buffer")
}

// Reset tells every listener to discard accumulated state. Any ForceFlush
// waiting concurrently returns ErrFlushCancelled.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked("client")
}

func (d *Dispatcher) resetLocked(origin string) {
	for _, l := range d.listeners {
		d.call(l, func() error {
			l.Reset()
			return nil
		})
	}
	d.logger.Info().Str("origin", origin).Msg("Collected results reset")
	d.signal(func() { d.resets++ })
}

// View runs fn while no dispatch or reset is in progress. It is how readers
// take snapshots of listener state.
func (d *Dispatcher) View(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Reconfigure changes the decoding options, typically once the agent has
// announced its timer setup. Buffers already dispatched are unaffected.
func (d *Dispatcher) Reconfigure(opts wire.Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoder.SetOptions(opts)
	d.logger.Debug().Bool("two_timestamps", opts.TwoTimestamps).Msg("Decoder reconfigured")
}

// Finish signals a clean end of stream. It reports trailing bytes that do
// not form a complete event.
func (d *Dispatcher) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoder.Close()
}

// Terminate marks the session as ended because of cause. Later dispatches
// fail and pending flushes return ErrSessionTerminated.
func (d *Dispatcher) Terminate(cause error) {
	d.terminate(cause)
}

func (d *Dispatcher) terminate(cause error) {
	d.signal(func() {
		if d.terminated != nil {
			return
		}
		if cause == nil {
			d.terminated = ErrSessionTerminated
		} else {
			d.terminated = fmt.Errorf("%w: %w", ErrSessionTerminated, cause)
		}
	})
}

func (d *Dispatcher) terminatedErr() error {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	return d.terminated
}

// Terminated reports why the session ended, or nil.
func (d *Dispatcher) Terminated() error { return d.terminatedErr() }

// signal mutates the flush state and wakes every waiter.
func (d *Dispatcher) signal(mutate func()) {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	mutate()
	close(d.changed)
	d.changed = make(chan struct{})
}

type flushState struct {
	dumped     uint64
	resets     uint64
	changed    <-chan struct{}
	terminated error
}

func (d *Dispatcher) state() flushState {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	return flushState{
		dumped:     d.dumped,
		resets:     d.resets,
		changed:    d.changed,
		terminated: d.terminated,
	}
}

// ForceFlush asks the agent to dump its buffered events and waits until the
// agent acknowledges that dump, by which point its buffers have been decoded
// and delivered. Buffers the agent pushes on its own do not count. It returns ErrFlushTimeout
// after timeout, ErrFlushCancelled if results are reset meanwhile and
// ErrSessionTerminated if the transport goes away.
func (d *Dispatcher) ForceFlush(ctx context.Context, timeout time.Duration) error {
	start := d.state()
	if start.terminated != nil {
		return start.terminated
	}
	if d.agent == nil {
		return ErrNoAgent
	}
	d.flushes.Add(1)

	seq := d.nextDump.Add(1)
	if err := d.agent.RequestDump(ctx, seq); err != nil {
		return fmt.Errorf("failed to request results dump: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	wait := start.changed
	for {
		select {
		case <-wait:
			cur := d.state()
			switch {
			case cur.terminated != nil:
				return cur.terminated
			case cur.resets != start.resets:
				return ErrFlushCancelled
			case cur.dumped >= seq:
				return nil
			}
			wait = cur.changed
		case <-timer.C:
			d.flushTimeouts.Add(1)
			d.logger.Debug().Uint64("dump", seq).Dur("timeout", timeout).Msg("Forced flush timed out")
			return ErrFlushTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the diagnostics counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Buffers:        d.buffers.Load(),
		Bytes:          d.bytes.Load(),
		Events:         d.events.Load(),
		MonitorTicks:   d.monitorTicks.Load(),
		ListenerErrors: d.listenerErrors.Load(),
		Flushes:        d.flushes.Load(),
		FlushTimeouts:  d.flushTimeouts.Load(),
	}
	st := d.state()
	s.Resets = st.resets
	s.LastDump = st.dumped
	if st.terminated != nil {
		s.Terminated = st.terminated.Error()
	}
	d.mu.Lock()
	s.PendingBytes = d.decoder.Pending()
	d.mu.Unlock()
	return s
}
