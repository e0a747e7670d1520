// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".jvmprof"

	// EnvConfig overrides the configuration directory.
	EnvConfig = "JVMPROF_CONFIG"

	DefaultDatabaseFile = "results.duckdb"

	// DefaultListenAddr is where `serve` accepts agent connections.
	DefaultListenAddr = "127.0.0.1:5140"
)
