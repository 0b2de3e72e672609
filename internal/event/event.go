package event

import (
	"fmt"
	"strings"
	"time"
)

// Source is the producer category an event belongs to.
type Source string

const (
	SourcePerformance Source = "performance"
	SourceSecurity    Source = "security"
	SourceCost        Source = "cost"
	SourceCompliance  Source = "compliance"
)

// Sources lists every known producer category in a stable order.
var Sources = []Source{SourcePerformance, SourceSecurity, SourceCost, SourceCompliance}

// ParseSource resolves a category name (case-insensitive).
func ParseSource(s string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourcePerformance:
		return SourcePerformance, true
	case SourceSecurity:
		return SourceSecurity, true
	case SourceCost:
		return SourceCost, true
	case SourceCompliance:
		return SourceCompliance, true
	}
	return "", false
}

// Severity is an ordered event severity.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the defined levels.
func (s Severity) Valid() bool {
	return s >= SeverityInfo && s <= SeverityCritical
}

// ParseSeverity resolves a severity name (case-insensitive).
func ParseSeverity(s string) (Severity, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), true
		}
	}
	return 0, false
}

// RawEvent is the tuple delivered by an event source before normalization.
type RawEvent struct {
	SourceID      string    `json:"source_id"`
	SchemaVersion string    `json:"schema_version"`
	Payload       []byte    `json:"payload"`
	DeclaredAt    time.Time `json:"declared_timestamp"`
}

// NormalizedEvent is the canonical, immutable representation every stage works on.
type NormalizedEvent struct {
	ID              string         `json:"id" msgpack:"id"`
	OccurredAt      time.Time      `json:"occurred_at" msgpack:"occurred_at"`
	Source          Source         `json:"source" msgpack:"source"`
	EntityKey       string         `json:"entity_key" msgpack:"entity_key"`
	Kind            string         `json:"kind" msgpack:"kind"`
	Severity        Severity       `json:"severity" msgpack:"severity"`
	Value           *float64       `json:"numeric_value,omitempty" msgpack:"numeric_value,omitempty"`
	Unit            string         `json:"unit,omitempty" msgpack:"unit,omitempty"`
	CorrelationHint string         `json:"correlation_hint,omitempty" msgpack:"correlation_hint,omitempty"`
	Related         []string       `json:"related,omitempty" msgpack:"related,omitempty"`
	Extra           map[string]any `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// HasValue reports whether the event carries a metric value.
func (e NormalizedEvent) HasValue() bool { return e.Value != nil }

// Float returns a pointer to v, for building metric-bearing events.
func Float(v float64) *float64 { return &v }
