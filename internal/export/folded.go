package export

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/jvmprof/internal/cpu"
)

// FoldedOptions tunes the folded-stack output.
type FoldedOptions struct {
	// PerThread prefixes each stack with its thread name instead of merging
	// identical stacks across threads.
	PerThread bool
	// Invocations weights stacks by call count instead of exclusive time.
	Invocations bool
}

type foldedLine struct {
	stack string
	value uint64
}

// Folded writes one "frame;frame;frame value" line per distinct stack, the
// input format of flamegraph.pl and speedscope. Values are exclusive
// microseconds unless opts.Invocations is set. Lines are sorted by stack.
func Folded(w io.Writer, snap cpu.Snapshot, names cpu.Resolver, ticksPerSecond uint64, opts FoldedOptions) error {
	// Stacks are bucketed by hash; a bucket holds more than one line only
	// on a collision.
	lines := make(map[uint64][]*foldedLine)
	var all []*foldedLine
	var frames []string

	for _, th := range snap.Threads {
		th.Root.Walk(func(n *cpu.Node, path []uint32) bool {
			if n.IsRoot() {
				return true
			}
			v := cpu.TicksToMicros(n.Exclusive, ticksPerSecond)
			if opts.Invocations {
				v = n.Invocations
			}
			if v == 0 {
				return true
			}

			frames = frames[:0]
			if opts.PerThread {
				frames = append(frames, foldFrame(threadLabel(th)))
			}
			for _, id := range path {
				frames = append(frames, foldFrame(methodName(names, id)))
			}
			stack := strings.Join(frames, ";")

			key := xxh3.HashString(stack)
			lines[key] = addFolded(lines[key], stack, v, &all)
			return true
		})
	}

	slices.SortFunc(all, func(a, b *foldedLine) int { return strings.Compare(a.stack, b.stack) })

	bw := bufio.NewWriter(w)
	for _, l := range all {
		if _, err := fmt.Fprintf(bw, "%s %d\n", l.stack, l.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func addFolded(bucket []*foldedLine, stack string, v uint64, all *[]*foldedLine) []*foldedLine {
	for _, l := range bucket {
		if l.stack == stack {
			l.value += v
			return bucket
		}
	}
	l := &foldedLine{stack: stack, value: v}
	*all = append(*all, l)
	return append(bucket, l)
}

// foldFrame keeps the separators of the folded format out of frame names.
func foldFrame(s string) string {
	return strings.NewReplacer(";", ":", "\n", " ").Replace(s)
}
