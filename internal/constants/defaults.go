// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Profiling defaults.
const (
	// DefaultScheme is the CPU instrumentation scheme requested from agents.
	DefaultScheme = "total"

	DefaultMemoryMode = "allocations"

	// DefaultTicksPerSecond assumes a nanosecond agent clock until the agent
	// announces its timer resolution.
	DefaultTicksPerSecond = 1_000_000_000
)

// Buffers.
const (
	// DefaultTelemetryCapacity holds one hour of one-second ticks.
	DefaultTelemetryCapacity = 3600

	DefaultZombieGracePeriodTicks = 3
)

// Timeouts.
const (
	// DefaultFlushTimeout bounds a forced flush round trip.
	DefaultFlushTimeout = 5 * time.Second

	DefaultFlushRetries = 2

	DefaultFlushInitialBackoff = 200 * time.Millisecond

	DefaultFlushMaxBackoff = 2 * time.Second

	// DefaultDialTimeout is the default timeout for connecting to an agent.
	DefaultDialTimeout = 10 * time.Second
)

// Intervals.
const (
	// DefaultHostSampleInterval is how often the host monitor samples the
	// target process.
	DefaultHostSampleInterval = time.Second

	// DefaultServeFlushInterval is how often `serve` forces a flush.
	DefaultServeFlushInterval = 10 * time.Second
)
