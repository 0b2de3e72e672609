// Package correlation links events and anomalies that occur close together
// into classified, scored correlations with an Open/Stabilizing/Closed
// lifecycle.
package correlation

import (
	"math"
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

// Type classifies a correlation.
type Type string

const (
	TypeTemporal          Type = "temporal"
	TypeCausal            Type = "causal"
	TypePattern           Type = "pattern"
	TypeAnomalyCluster    Type = "anomaly-cluster"
	TypeCostImpact        Type = "cost-impact"
	TypeSecurityChain     Type = "security-chain"
	TypePerformanceChain  Type = "performance-chain"
	TypeComplianceCascade Type = "compliance-cascade"
)

// refined maps a dominant source category onto the chain type it implies.
var refined = map[event.Source]Type{
	event.SourceCost:        TypeCostImpact,
	event.SourceSecurity:    TypeSecurityChain,
	event.SourcePerformance: TypePerformanceChain,
	event.SourceCompliance:  TypeComplianceCascade,
}

// State is the lifecycle stage of a correlation.
type State string

const (
	StateOpen        State = "open"
	StateStabilizing State = "stabilizing"
	StateClosed      State = "closed"
)

// TimeWindow spans the members. Size bounds the distance of every member
// from the anchor.
type TimeWindow struct {
	Start time.Time     `json:"start" msgpack:"start"`
	End   time.Time     `json:"end" msgpack:"end"`
	Size  time.Duration `json:"size" msgpack:"size"`
}

// Correlation is a group of linked observations. Members are ordered by time;
// the first is the anchor.
type Correlation struct {
	ID         string        `json:"correlation_id" msgpack:"correlation_id"`
	Type       Type          `json:"correlation_type" msgpack:"correlation_type"`
	BaseType   Type          `json:"base_type" msgpack:"base_type"`
	Pattern    string        `json:"pattern,omitempty" msgpack:"pattern,omitempty"`
	Members    []Observation `json:"members" msgpack:"members"`
	Strength   float64       `json:"strength" msgpack:"strength"`
	Confidence float64       `json:"confidence" msgpack:"confidence"`
	Window     TimeWindow    `json:"time_window" msgpack:"time_window"`
	State      State         `json:"state" msgpack:"state"`
	OpenedAt   time.Time     `json:"opened_at" msgpack:"opened_at"`
	UpdatedAt  time.Time     `json:"updated_at" msgpack:"updated_at"`
	ClosedAt   time.Time     `json:"closed_at" msgpack:"closed_at"`
}

// MemberEventIDs returns the member ids in time order.
func (c *Correlation) MemberEventIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// Anchor is the earliest member.
func (c *Correlation) Anchor() Observation { return c.Members[0] }

// Copy returns a value that shares no mutable slices with c.
func (c *Correlation) Copy() Correlation {
	out := *c
	out.Members = append([]Observation(nil), c.Members...)
	return out
}

// UpdateKind names a correlation transition.
type UpdateKind string

const (
	UpdateOpened      UpdateKind = "opened"
	UpdateMemberAdded UpdateKind = "member_added"
	UpdateStabilizing UpdateKind = "stabilizing"
	UpdateClosed      UpdateKind = "closed"
	UpdateEvicted     UpdateKind = "evicted"
)

// Update reports one transition with a copy of the correlation after it.
type Update struct {
	Kind        UpdateKind  `json:"kind" msgpack:"kind"`
	Correlation Correlation `json:"correlation" msgpack:"correlation"`
}

// linker decides whether two observations belong together.
type linker struct {
	proximity time.Duration
	registry  Registry
}

func (l linker) linked(a, b Observation) bool {
	if a.Hint != "" && a.Hint == b.Hint {
		return true
	}
	if a.EntityKey == b.EntityKey {
		return absDur(a.At.Sub(b.At)) <= l.proximity
	}
	return l.direct(a, b)
}

// direct reports an explicit relationship between the two entities.
func (l linker) direct(a, b Observation) bool {
	if a.relates(b.EntityKey) || b.relates(a.EntityKey) {
		return true
	}
	return l.registry != nil &&
		(l.registry.DependsOn(a.EntityKey, b.EntityKey) || l.registry.DependsOn(b.EntityKey, a.EntityKey))
}

// strength is the fraction of member pairs that are both linked and closer
// than half the window. It never increases when members spread further apart.
func (l linker) strength(members []Observation, size time.Duration) float64 {
	n := len(members)
	if n < 2 {
		return 0
	}
	var agree int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if absDur(members[i].At.Sub(members[j].At)) < size/2 && l.linked(members[i], members[j]) {
				agree++
			}
		}
	}
	return float64(agree) / float64(n*(n-1)/2)
}

// confidence grows with member count and with detector agreement across
// anomaly members: min(1, 1 - 0.5^(n-1) * 0.8^A).
func confidence(members []Observation) float64 {
	n := len(members)
	if n == 0 {
		return 0
	}
	var agreeing int
	for _, m := range members {
		agreeing += len(m.Detectors)
	}
	return math.Min(1, 1-math.Pow(0.5, float64(n-1))*math.Pow(0.8, float64(agreeing)))
}

// classify returns the correlation type, the causal/temporal base type and
// the matched pattern name.
func classify(members []Observation, reg Registry, patterns []Pattern) (typ, base Type, pattern string) {
	base = TypeTemporal
	if causal(members, reg) {
		base = TypeCausal
	}

	allAnomalies := len(members) > 0
	for _, m := range members {
		if !m.Anomaly {
			allAnomalies = false
			break
		}
	}
	if allAnomalies {
		return TypeAnomalyCluster, base, ""
	}
	for _, p := range patterns {
		if p.Match(members) {
			return TypePattern, base, p.Name
		}
	}
	if src, ok := majority(members); ok {
		return refined[src], base, ""
	}
	return base, base, ""
}

// causal reports a declared dependency between two members where the
// upstream member is not later than the dependent one.
func causal(members []Observation, reg Registry) bool {
	if reg == nil {
		return false
	}
	for _, down := range members {
		for _, up := range members {
			if down.EntityKey == up.EntityKey || up.At.After(down.At) {
				continue
			}
			if reg.DependsOn(down.EntityKey, up.EntityKey) {
				return true
			}
		}
	}
	return false
}

// majority returns the source category held by strictly more than half the members.
func majority(members []Observation) (event.Source, bool) {
	counts := make(map[event.Source]int, len(event.Sources))
	for _, m := range members {
		counts[m.Source]++
	}
	for _, s := range event.Sources {
		if counts[s]*2 > len(members) {
			return s, true
		}
	}
	return "", false
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
