package config

import (
	"github.com/coral-mesh/jvmprof/internal/constants"
)

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: SchemaVersion,
		Profiling: ProfilingConfig{
			InstrumentationScheme: constants.DefaultScheme,
			MemoryMode:            constants.DefaultMemoryMode,
		},
		Telemetry: TelemetryConfig{
			BufferCapacity: constants.DefaultTelemetryCapacity,
		},
		Threads: ThreadsConfig{
			ZombieGracePeriodTicks: constants.DefaultZombieGracePeriodTicks,
		},
		Dispatch: DispatchConfig{
			FlushTimeout: constants.DefaultFlushTimeout,
			FlushRetries: constants.DefaultFlushRetries,
		},
		Agent: AgentConfig{
			Listen:              constants.DefaultListenAddr,
			TimerTicksPerSecond: constants.DefaultTicksPerSecond,
			DialTimeout:         constants.DefaultDialTimeout,
		},
		Host: HostConfig{
			Interval: constants.DefaultHostSampleInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}
