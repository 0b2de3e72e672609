// Package rootcause orders the members of a correlation into a causal graph
// and estimates its impact per dimension.
package rootcause

import (
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// DefaultMaxDepth bounds transitive dependency lookups for indirect causes.
const DefaultMaxDepth = 6

// Link is one step of a causal chain.
type Link struct {
	From     string   `json:"from" msgpack:"from"`
	To       string   `json:"to" msgpack:"to"`
	Relation Relation `json:"relation" msgpack:"relation"`
}

// Result explains one correlation. Impact lists only dimensions present
// among the members.
type Result struct {
	CorrelationID string                          `json:"correlation_id" msgpack:"correlation_id"`
	RootEventID   string                          `json:"root_event_id" msgpack:"root_event_id"`
	Confidence    float64                         `json:"confidence" msgpack:"confidence"`
	CausalChain   []Link                          `json:"causal_chain" msgpack:"causal_chain"`
	Impact        map[event.Source]event.Severity `json:"impact" msgpack:"impact"`
}

// Analyzer builds root-cause results. It is owned by the correlation worker.
type Analyzer struct {
	registry correlation.Registry
	maxDepth int
}

// NewAnalyzer returns an analyzer over reg (may be nil). maxDepth <= 0 uses
// DefaultMaxDepth.
func NewAnalyzer(reg correlation.Registry, maxDepth int) *Analyzer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Analyzer{registry: reg, maxDepth: maxDepth}
}

// SetRegistry swaps the dependency registry after a config reload.
func (a *Analyzer) SetRegistry(reg correlation.Registry) { a.registry = reg }

// Build derives the member graph. Members are time ordered, so every edge
// points from an earlier member to a later one.
func (a *Analyzer) Build(members []correlation.Observation) *Graph {
	g := NewGraph(len(members))
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			if rel, ok := a.relate(members[i], members[j]); ok {
				g.AddEdge(i, j, rel)
			}
		}
	}
	return g
}

// relate picks the strongest relation from the earlier member up to the later member down.
func (a *Analyzer) relate(up, down correlation.Observation) (Relation, bool) {
	if up.EntityKey != down.EntityKey {
		if a.registry != nil && a.registry.DependsOn(down.EntityKey, up.EntityKey) {
			return DirectCause, true
		}
		if declares(up, down.EntityKey) || declares(down, up.EntityKey) {
			return DirectCause, true
		}
		if a.registry != nil {
			if _, ok := correlation.Reaches(a.registry, down.EntityKey, up.EntityKey, a.maxDepth); ok {
				return IndirectCause, true
			}
		}
	} else if down.Severity >= up.Severity {
		return Amplifies, true
	}
	if up.Hint != "" && up.Hint == down.Hint {
		return Correlates, true
	}
	return "", false
}

func declares(o correlation.Observation, entity string) bool {
	for _, r := range o.Related {
		if r == entity {
			return true
		}
	}
	return false
}

// Analyze returns the root-cause result of c, or false when c has fewer than
// two members.
func (a *Analyzer) Analyze(c correlation.Correlation) (*Result, bool) {
	n := len(c.Members)
	if n < 2 {
		return nil, false
	}
	g := a.Build(c.Members)

	// Members are time ordered, so the first node without an incoming
	// causal edge is the earliest candidate, ties broken by index.
	root := 0
	for i := 0; i < n; i++ {
		if g.CausalIn(i) == 0 {
			root = i
			break
		}
	}

	res := &Result{
		CorrelationID: c.ID,
		RootEventID:   c.Members[root].ID,
		Confidence:    c.Confidence * float64(g.LargestComponent()) / float64(n),
		CausalChain:   []Link{},
		Impact:        make(map[event.Source]event.Severity),
	}
	for _, s := range g.walk(root) {
		res.CausalChain = append(res.CausalChain, Link{
			From:     c.Members[s.from].ID,
			To:       c.Members[s.to].ID,
			Relation: s.rel,
		})
	}
	for _, m := range c.Members {
		if cur, ok := res.Impact[m.Source]; !ok || m.Severity > cur {
			res.Impact[m.Source] = m.Severity
		}
	}
	metrics.RootCauses.Inc()
	return res, true
}
