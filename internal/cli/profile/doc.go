// Package profile implements the jvmprof profiling commands.
//
// A profiling session always flows the same way: frames arrive from an
// agent connection or a recording, a session decodes them into results,
// and the results are reported, exported or persisted.
//
//	jvmprof serve            live agent, periodic forced flushes
//	jvmprof record           live agent straight to a recording file
//	jvmprof replay <file>    recording to results
//	jvmprof mcp <file>       recording to results served as MCP tools
//	jvmprof sessions ...     results persisted with --db
//
// # Output
//
// The flat profile is printed to stdout as a table, JSON or CSV (--format).
// The session summary and logs go to stderr so stdout can be piped.
//
// # Exports
//
// --pprof and --memory-pprof write gzipped pprof profiles readable by
// 'go tool pprof'. --folded writes folded stacks for flamegraph.pl; with
// '-' the stacks replace the flat profile on stdout.
package profile
