package correlation

import (
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/condition"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

// Observation is a candidate correlation member: a normalized event or an
// anomaly record reduced to the fields the linking rules look at. At is the
// event time used for window membership. ObservedAt is the engine time the
// correlator received it and drives expiry.
type Observation struct {
	ID         string               `json:"id" msgpack:"id"`
	At         time.Time            `json:"at" msgpack:"at"`
	ObservedAt time.Time            `json:"observed_at" msgpack:"observed_at"`
	Source     event.Source         `json:"source" msgpack:"source"`
	EntityKey  string               `json:"entity_key" msgpack:"entity_key"`
	Kind       string               `json:"kind" msgpack:"kind"`
	Severity   event.Severity       `json:"severity" msgpack:"severity"`
	Value      *float64             `json:"value,omitempty" msgpack:"value,omitempty"`
	Hint       string               `json:"correlation_hint,omitempty" msgpack:"correlation_hint,omitempty"`
	Related    []string             `json:"related,omitempty" msgpack:"related,omitempty"`
	Anomaly    bool                 `json:"anomaly,omitempty" msgpack:"anomaly,omitempty"`
	Score      float64              `json:"anomaly_score,omitempty" msgpack:"anomaly_score,omitempty"`
	Detectors  []anomaly.DetectorID `json:"detectors,omitempty" msgpack:"detectors,omitempty"`
	Extra      map[string]any       `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// FromEvent wraps a normalized event.
func FromEvent(ev event.NormalizedEvent) Observation {
	return Observation{
		ID:        ev.ID,
		At:        ev.OccurredAt,
		Source:    ev.Source,
		EntityKey: ev.EntityKey,
		Kind:      ev.Kind,
		Severity:  ev.Severity,
		Value:     ev.Value,
		Hint:      ev.CorrelationHint,
		Related:   ev.Related,
		Extra:     ev.Extra,
	}
}

// FromAnomaly wraps an anomaly record. Its time is the start of the scored window.
func FromAnomaly(r anomaly.Record) Observation {
	return Observation{
		ID:        r.ID,
		At:        r.WindowStart,
		Source:    r.Source,
		EntityKey: r.EntityKey,
		Kind:      r.MetricKind,
		Severity:  r.SeverityClass.EventSeverity(),
		Value:     event.Float(r.ObservedValue),
		Anomaly:   true,
		Score:     r.Score,
		Detectors: r.Detectors,
	}
}

// fields exposes the observation to pattern predicates.
func (o Observation) fields() condition.Fields {
	f := condition.Fields{
		"id":            o.ID,
		"kind":          o.Kind,
		"source":        string(o.Source),
		"severity":      int(o.Severity),
		"severity_name": o.Severity.String(),
		"entity":        o.EntityKey,
		"hint":          o.Hint,
		"related":       o.Related,
		"anomaly":       o.Anomaly,
	}
	if o.Value != nil {
		f["value"] = *o.Value
	}
	if o.Anomaly {
		f["score"] = o.Score
	}
	if o.Extra != nil {
		f["extra"] = map[string]interface{}(o.Extra)
	}
	return f
}

func (o Observation) relates(entity string) bool {
	for _, r := range o.Related {
		if r == entity {
			return true
		}
	}
	return false
}

// before orders observations by time, then id.
func before(a, b Observation) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}
