package cpu

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/coral-mesh/jvmprof/internal/safe"
)

// MatchMode selects how Filter.Pattern is applied to method names.
type MatchMode uint8

const (
	MatchSubstring MatchMode = iota
	MatchPrefix
	// MatchWildcard treats '*' as any run of characters and '?' as one.
	MatchWildcard
	// MatchRegexp is an unanchored RE2 expression.
	MatchRegexp
)

// ParseMatchMode resolves "substring", "prefix", "wildcard" or "regexp".
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(s) {
	case "", "substring", "contains":
		return MatchSubstring, nil
	case "prefix":
		return MatchPrefix, nil
	case "wildcard", "glob":
		return MatchWildcard, nil
	case "regexp", "regex":
		return MatchRegexp, nil
	}
	return 0, fmt.Errorf("unknown match mode %q", s)
}

// Filter selects flat-profile rows. Zero-valued fields do not filter.
type Filter struct {
	Pattern       string
	Mode          MatchMode
	CaseSensitive bool

	MinInvocations     uint64
	MinInclusiveMicros uint64
	MinExclusiveMicros uint64

	// Expr is a CEL boolean expression over name, invocations,
	// inclusive_us, exclusive_us and percent.
	Expr string
}

type matcher struct {
	f    Filter
	name func(string) bool
	prg  cel.Program
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{f: f}

	if f.Pattern != "" {
		pattern := f.Pattern
		fold := func(s string) string { return s }
		if !f.CaseSensitive {
			fold = strings.ToLower
			pattern = strings.ToLower(pattern)
		}
		switch f.Mode {
		case MatchPrefix:
			m.name = func(s string) bool { return strings.HasPrefix(fold(s), pattern) }
		case MatchWildcard:
			re, err := wildcard(pattern)
			if err != nil {
				return nil, err
			}
			m.name = func(s string) bool { return re.MatchString(fold(s)) }
		case MatchRegexp:
			expr := f.Pattern
			if !f.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid regexp pattern %q: %w", f.Pattern, err)
			}
			m.name = re.MatchString
		default:
			m.name = func(s string) bool { return strings.Contains(fold(s), pattern) }
		}
	}

	if strings.TrimSpace(f.Expr) != "" {
		prg, err := compileExpr(f.Expr)
		if err != nil {
			return nil, err
		}
		m.prg = prg
	}
	return m, nil
}

func wildcard(p string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range p {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", p, err)
	}
	return re, nil
}

var exprEnvOptions = []cel.EnvOption{
	cel.Variable("name", cel.StringType),
	cel.Variable("invocations", cel.IntType),
	cel.Variable("inclusive_us", cel.IntType),
	cel.Variable("exclusive_us", cel.IntType),
	cel.Variable("percent", cel.DoubleType),
}

func compileExpr(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(exprEnvOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter expression %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter expression: %w", err)
	}
	return prg, nil
}

func (m *matcher) match(r Row) (bool, error) {
	if m.name != nil && !m.name(r.Name) {
		return false, nil
	}
	if r.Invocations < m.f.MinInvocations ||
		r.InclusiveMicros < m.f.MinInclusiveMicros ||
		r.ExclusiveMicros < m.f.MinExclusiveMicros {
		return false, nil
	}
	if m.prg == nil {
		return true, nil
	}
	out, _, err := m.prg.Eval(map[string]any{
		"name":         r.Name,
		"invocations":  clampInt(r.Invocations),
		"inclusive_us": clampInt(r.InclusiveMicros),
		"exclusive_us": clampInt(r.ExclusiveMicros),
		"percent":      r.Percent,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter expression on %q: %w", r.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("filter expression returned %T, want bool", out.Value())
	}
	return ok, nil
}

func clampInt(v uint64) int64 {
	n, _ := safe.Uint64ToInt64(v)
	return n
}
