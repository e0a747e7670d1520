// Package mcp exposes session results as Model Context Protocol tools so an
// assistant can query a live or replayed profile.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/jvmprof/internal/cpu"
	"github.com/coral-mesh/jvmprof/internal/memory"
	"github.com/coral-mesh/jvmprof/internal/session"
	"github.com/coral-mesh/jvmprof/internal/telemetry"
	"github.com/coral-mesh/jvmprof/internal/threads"
	"github.com/coral-mesh/jvmprof/pkg/version"
)

// Provider is the read side of a profiling session.
type Provider interface {
	FlatProfile(q session.FlatQuery) (*cpu.Profile, error)
	CPUSnapshot() cpu.Snapshot
	TicksPerSecond() uint64
	Methods() *cpu.MethodTable
	MemorySnapshot() memory.Snapshot
	Telemetry() telemetry.Snapshot
	Threads() threads.Snapshot
	Diagnostics() session.Diagnostics
}

type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

var _ Provider = (*session.Session)(nil)

// Server serves the jvmprof tools.
type Server struct {
	provider  Provider
	logger    zerolog.Logger
	mcpServer *server.MCPServer
	tools     map[string]toolHandler
}

// NewServer registers every tool against provider.
func NewServer(provider Provider, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		provider: provider,
		logger:   logger.With().Str("component", "mcp").Logger(),
		mcpServer: server.NewMCPServer(
			"jvmprof",
			version.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		tools: make(map[string]toolHandler),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.logger.Info().Int("tool_count", len(s.tools)).Msg("MCP server initialized")
	return s, nil
}

func (s *Server) registerTools() error {
	tools := []struct {
		name        string
		description string
		input       any
		handler     toolHandler
	}{
		{
			"jvmprof_flat_profile",
			"Per-method CPU profile aggregated over every calling context: invocations, inclusive and exclusive microseconds and percent of total exclusive time. Supports name patterns, CEL expressions, sorting and per-thread views.",
			FlatProfileInput{},
			s.handleFlatProfile,
		},
		{
			"jvmprof_hot_paths",
			"The most expensive calling contexts (full call paths from the thread root), ranked by exclusive or inclusive time.",
			HotPathsInput{},
			s.handleHotPaths,
		},
		{
			"jvmprof_telemetry",
			"VM health series sampled once per monitoring tick: heap, GC, threads, classes, process CPU and optional host-side process samples.",
			TelemetryInput{},
			s.handleTelemetry,
		},
		{
			"jvmprof_threads",
			"Thread state history summary: current state and time spent running, sleeping, waiting, parked or blocked on monitors.",
			ThreadsInput{},
			s.handleThreads,
		},
		{
			"jvmprof_memory",
			"Per-class allocation statistics: allocations, bytes, live objects and average object age.",
			MemoryInput{},
			s.handleMemory,
		},
		{
			"jvmprof_diagnostics",
			"Session health: dispatch counters, CPU tree consistency warnings, telemetry evictions and known methods.",
			DiagnosticsInput{},
			s.handleDiagnostics,
		},
	}

	for _, t := range tools {
		schema, err := generateInputSchema(t.input)
		if err != nil {
			return fmt.Errorf("schema for %s: %w", t.name, err)
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("schema for %s: %w", t.name, err)
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(t.name, t.description, raw), s.logged(t.name, t.handler))
		s.tools[t.name] = t.handler
	}
	return nil
}

func (s *Server) logged(name string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug().Str("tool", name).Msg("Tool called")
		return h(ctx, request)
	}
}

// ToolNames lists the registered tools in name order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for n := range s.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ServeStdio serves MCP over stdin and stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info().Msg("Starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// generateInputSchema reflects an inline JSON schema for a tool input type.
func generateInputSchema(inputType any) (map[string]any, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	b, err := json.Marshal(reflector.Reflect(inputType))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}

// parseArguments decodes the tool arguments into input.
func parseArguments(request mcp.CallToolRequest, input any) error {
	if request.Params.Arguments == nil {
		return nil
	}
	b, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(b, input); err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
