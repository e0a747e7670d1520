package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/transport"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Version == "" {
		add("version", "version is required")
	}

	if _, err := transport.ParseScheme(c.Profiling.InstrumentationScheme); err != nil {
		add("profiling.instrumentation_scheme", err.Error())
	}
	if _, err := memory.ParseMode(c.Profiling.MemoryMode); err != nil {
		add("profiling.memory_mode", err.Error())
	}

	if c.Telemetry.BufferCapacity <= 0 {
		add("telemetry.buffer_capacity", "buffer capacity must be positive")
	}

	if c.Dispatch.FlushTimeout <= 0 {
		add("dispatch.flush_timeout", "flush timeout must be positive")
	}
	if c.Dispatch.FlushRetries < 0 {
		add("dispatch.flush_retries", "flush retries cannot be negative")
	}

	if c.Agent.TimerTicksPerSecond == 0 {
		add("agent.timer_ticks_per_second", "timer resolution must be positive")
	}
	if c.Agent.DialTimeout <= 0 {
		add("agent.dial_timeout", "dial timeout must be positive")
	}

	if c.Host.Enabled {
		if c.Host.PID <= 0 {
			add("host.pid", "pid is required when host sampling is enabled")
		}
		if c.Host.Interval <= 0 {
			add("host.interval", "sampling interval must be positive")
		}
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level", fmt.Sprintf("unknown log level %q", c.Logging.Level))
		}
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
