// Package hotwire implements the static field/regex rule evaluator —
// rules producing an action directly without an LLM round-trip — the
// non-LLM sibling of internal/brain's Evaluator.
package hotwire

import (
	"fmt"
	"regexp"

	"github.com/thrallguard/thrall/internal/config"
)

// Result mirrors the minimal shape an Evaluate stage outcome requires:
// `{action, reason}` plus the field and pattern that matched. The pipeline
// exposes action, reason and field as `{{llm.*}}` — hotwire results share
// that namespace since both evaluators feed the same Action stage.
type Result struct {
	Matched bool
	Action  string
	Reason  string
	Field   string
	Pattern string
}

// compiledRule pairs a config.HotwireRule with its compiled regexp so
// Evaluate never recompiles per call.
type compiledRule struct {
	field   string
	action  string
	reason  string
	pattern *regexp.Regexp
}

// Set is a named, ordered list of compiled rules; first match wins.
type Set struct {
	name  string
	rules []compiledRule
}

// Compile builds a Set from a loaded config.HotwireSet. Returns an error if
// any rule's pattern fails to compile — in practice internal/config already
// validates this at load time, so this is a defense-in-depth check, not the
// primary validation path.
func Compile(hs config.HotwireSet) (*Set, error) {
	s := &Set{name: hs.Name}
	for _, r := range hs.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hotwire: set %s: invalid pattern %q: %w", hs.Name, r.Pattern, err)
		}
		s.rules = append(s.rules, compiledRule{field: r.Field, action: r.Action, reason: r.Reason, pattern: re})
	}
	return s, nil
}

// Fields is the set of envelope fields a hotwire rule may match against.
// Unknown field names never match (Evaluate treats them as absent).
type Fields map[string]string

// Evaluate runs the rule set against fields, returning the first matching
// rule's action and reason. Matched is false when no rule fires — the
// pipeline then has no hotwire result to act on (recipe config error, since
// a hotwire-type recipe should always have a matching default rule).
func (s *Set) Evaluate(fields Fields) Result {
	for _, r := range s.rules {
		value, ok := fields[r.field]
		if !ok {
			continue
		}
		if r.pattern.MatchString(value) {
			return Result{Matched: true, Action: r.action, Reason: r.reason, Field: r.field, Pattern: r.pattern.String()}
		}
	}
	return Result{}
}

// Name returns the rule set's configured name.
func (s *Set) Name() string { return s.name }
