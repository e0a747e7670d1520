package helpers

import (
	"fmt"
	"strings"
	"time"

	"github.com/coral-mesh/jvmprof/internal/cpu"
)

// TreeOptions bounds what RenderTree prints.
type TreeOptions struct {
	// MaxDepth stops descending below this many frames. Zero is unlimited.
	MaxDepth int
	// MinPercent hides subtrees whose inclusive share of the thread is
	// smaller.
	MinPercent float64
	// HotPercent marks nodes whose own time reaches this share.
	HotPercent float64
}

// RenderTree renders one thread's calling-context tree in ASCII art.
func RenderTree(tree cpu.ThreadTree, names cpu.Resolver, ticksPerSecond uint64, opts TreeOptions) string {
	if tree.Root == nil || tree.Root.IsLeaf() {
		return "No calls recorded.\n"
	}

	r := treeRenderer{names: names, tps: ticksPerSecond, opts: opts, total: tree.Root.Inclusive}
	var buf strings.Builder
	fmt.Fprintf(&buf, "Thread %d %s (%s)\n", tree.ThreadID, tree.Name, FormatDuration(r.duration(tree.Root.Inclusive)))
	children := r.visible(tree.Root)
	for i, c := range children {
		r.render(&buf, c, "", i == len(children)-1, 1)
	}
	if opts.HotPercent > 0 {
		buf.WriteString("\n" + renderTreeLegend(opts.HotPercent))
	}
	return buf.String()
}

type treeRenderer struct {
	names cpu.Resolver
	tps   uint64
	opts  TreeOptions
	total uint64
}

func (r treeRenderer) duration(ticks uint64) time.Duration {
	us := cpu.TicksToMicros(ticks, r.tps)
	if us > uint64(1<<63-1)/uint64(time.Microsecond) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(us) * time.Microsecond
}

func (r treeRenderer) name(id uint32) string {
	if r.names == nil {
		return fmt.Sprintf("method#%d", id)
	}
	return r.names.MethodName(id)
}

func (r treeRenderer) percent(ticks uint64) float64 {
	if r.total == 0 {
		return 0
	}
	return 100 * float64(ticks) / float64(r.total)
}

func (r treeRenderer) visible(n *cpu.Node) []*cpu.Node {
	var out []*cpu.Node
	for _, c := range n.Children() {
		if r.percent(c.Inclusive) >= r.opts.MinPercent {
			out = append(out, c)
		}
	}
	return out
}

func (r treeRenderer) render(buf *strings.Builder, n *cpu.Node, prefix string, isLast bool, depth int) {
	connector := "├─"
	if isLast {
		connector = "└─"
	}

	hot := ""
	if r.opts.HotPercent > 0 && r.percent(n.Exclusive) >= r.opts.HotPercent {
		hot = " ← HOT"
	}

	fmt.Fprintf(buf, "%s%s %s (%s, self %s, %d calls, %.1f%%)%s\n",
		prefix,
		connector,
		r.name(n.MethodID),
		FormatDuration(r.duration(n.Inclusive)),
		FormatDuration(r.duration(n.Exclusive)),
		n.Invocations,
		r.percent(n.Inclusive),
		hot,
	)

	if r.opts.MaxDepth > 0 && depth >= r.opts.MaxDepth {
		return
	}

	childPrefix := prefix + "│ "
	if isLast {
		childPrefix = prefix + "  "
	}
	children := r.visible(n)
	for i, c := range children {
		r.render(buf, c, childPrefix, i == len(children)-1, depth+1)
	}
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	} else if d < time.Millisecond {
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	} else if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func renderTreeLegend(hot float64) string {
	return fmt.Sprintf(`Legend:
  ├─ = intermediate node    │  = continuation
  └─ = last child           ← HOT = own time at least %.0f%% of the thread
`, hot)
}
