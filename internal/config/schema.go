// Package config provides configuration loading and management.
package config

import "time"

// SchemaVersion is the current config file schema version.
const SchemaVersion = "1"

// Config is the jvmprof configuration. Every option can be set in the YAML
// file and overridden through the environment variable named by its env tag.
type Config struct {
	Version   string          `yaml:"version"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Host      HostConfig      `yaml:"host"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProfilingConfig controls what the agent instruments and how results are
// built.
type ProfilingConfig struct {
	// ExcludeWaitTime subtracts time spent waiting on monitors, sleeping or
	// parked from CPU results.
	ExcludeWaitTime bool `yaml:"exclude_wait_time" env:"JVMPROF_EXCLUDE_WAIT_TIME"`
	// InstrumentationScheme is eager, lazy or total.
	InstrumentationScheme string `yaml:"instrumentation_scheme" env:"JVMPROF_INSTRUMENTATION_SCHEME"`
	// TwoTimestamps means stamped method events also carry thread CPU time.
	TwoTimestamps bool `yaml:"two_timestamps" env:"JVMPROF_TWO_TIMESTAMPS"`
	// MemoryMode is allocations or liveness.
	MemoryMode string `yaml:"memory_mode" env:"JVMPROF_MEMORY_MODE"`
}

// TelemetryConfig sizes the VM telemetry buffers.
type TelemetryConfig struct {
	BufferCapacity int `yaml:"buffer_capacity" env:"JVMPROF_TELEMETRY_BUFFER_CAPACITY"`
}

// ThreadsConfig controls the thread-state tracker.
type ThreadsConfig struct {
	// ZombieGracePeriodTicks is how many monitored-data ticks a thread may be
	// missing before it is marked zombie.
	ZombieGracePeriodTicks uint64 `yaml:"zombie_grace_period_ticks" env:"JVMPROF_ZOMBIE_GRACE_PERIOD_TICKS"`
}

// DispatchConfig controls forced flushes.
type DispatchConfig struct {
	FlushTimeout time.Duration `yaml:"flush_timeout" env:"JVMPROF_FLUSH_TIMEOUT"`
	FlushRetries int           `yaml:"flush_retries" env:"JVMPROF_FLUSH_RETRIES"`
}

// AgentConfig describes the agent connection.
type AgentConfig struct {
	// Address is the agent to dial. Empty means wait for the agent to
	// connect.
	Address string `yaml:"address,omitempty" env:"JVMPROF_AGENT_ADDRESS"`
	// Listen is the address `serve` accepts agent connections on.
	Listen string `yaml:"listen" env:"JVMPROF_LISTEN"`
	// TimerTicksPerSecond is used until the agent announces its timer.
	TimerTicksPerSecond uint64        `yaml:"timer_ticks_per_second" env:"JVMPROF_TIMER_TICKS_PER_SECOND"`
	DialTimeout         time.Duration `yaml:"dial_timeout" env:"JVMPROF_DIAL_TIMEOUT"`
}

// StorageConfig configures the results store.
type StorageConfig struct {
	// DuckDBPath enables persisting results. Empty disables the store.
	DuckDBPath string `yaml:"duckdb_path,omitempty" env:"JVMPROF_DUCKDB_PATH"`
}

// HostConfig configures sampling of the profiled process from the host side.
type HostConfig struct {
	Enabled  bool          `yaml:"enabled" env:"JVMPROF_HOST_ENABLED"`
	PID      int32         `yaml:"pid,omitempty" env:"JVMPROF_HOST_PID"`
	Interval time.Duration `yaml:"interval" env:"JVMPROF_HOST_INTERVAL"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"JVMPROF_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"JVMPROF_LOG_PRETTY"`
}
