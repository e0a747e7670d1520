package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/coral-mesh/jvmprof/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

// SummaryHeader renders a short session report for the terminal.
func SummaryHeader(title string, d session.Diagnostics, runErr error) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	field := func(label string, value any) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-18s", label)))
		fmt.Fprintf(&b, "%v\n", value)
	}
	field("session", d.SessionID)
	field("timer", fmt.Sprintf("%d ticks/s", d.TicksPerSecond))
	field("buffers", fmt.Sprintf("%d (%d bytes)", d.Dispatch.Buffers, d.Dispatch.Bytes))
	field("events", d.Dispatch.Events)
	field("monitor ticks", d.Dispatch.MonitorTicks)
	field("methods", d.Methods)
	field("memory mode", d.MemoryMode)

	if n := d.CPU.Total(); n > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d consistency warnings while building call trees", n)))
		b.WriteString("\n")
	}
	if d.Dispatch.ListenerErrors > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d listener failures", d.Dispatch.ListenerErrors)))
		b.WriteString("\n")
	}
	if d.BadMonitoredData > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d monitored-data frames skipped", d.BadMonitoredData)))
		b.WriteString("\n")
	}
	if runErr != nil {
		b.WriteString(errorStyle.Render("  session ended early: " + runErr.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

// PrintSummary writes SummaryHeader to w.
func PrintSummary(w io.Writer, title string, d session.Diagnostics, runErr error) {
	_, _ = io.WriteString(w, SummaryHeader(title, d, runErr))
}
