package correlation

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/telcorr/internal/condition"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
)

// Pattern is a compiled signature: ordered event-kind steps, each with an
// optional predicate over the member.
type Pattern struct {
	Name  string
	steps []patternStep
}

type patternStep struct {
	kind string
	when *condition.Predicate
}

// CompilePatterns compiles every signature once. Predicates are never
// parsed at match time.
func CompilePatterns(defs []config.PatternDef) ([]Pattern, error) {
	out := make([]Pattern, 0, len(defs))
	for _, d := range defs {
		p := Pattern{Name: d.Name}
		for i, s := range d.Steps {
			pred, err := condition.Compile(s.When)
			if err != nil {
				return nil, fmt.Errorf("pattern %s step %d: %w", d.Name, i, err)
			}
			p.steps = append(p.steps, patternStep{kind: strings.ToLower(s.Kind), when: pred})
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether the time-ordered members contain the steps as an
// ordered subsequence. Greedy earliest matching is exact for subsequences.
func (p Pattern) Match(members []Observation) bool {
	if len(p.steps) == 0 {
		return false
	}
	i := 0
	for _, m := range members {
		s := p.steps[i]
		if strings.ToLower(m.Kind) != s.kind || !s.when.Match(m.fields()) {
			continue
		}
		i++
		if i == len(p.steps) {
			return true
		}
	}
	return false
}
