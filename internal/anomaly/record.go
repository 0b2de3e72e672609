package anomaly

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

// SeverityClass buckets an ensemble score.
type SeverityClass string

const (
	SeverityLow      SeverityClass = "low"
	SeverityMedium   SeverityClass = "medium"
	SeverityHigh     SeverityClass = "high"
	SeverityCritical SeverityClass = "critical"
)

// EventSeverity maps the class onto the shared event severity scale.
func (c SeverityClass) EventSeverity() event.Severity {
	switch c {
	case SeverityCritical:
		return event.SeverityCritical
	case SeverityHigh:
		return event.SeverityHigh
	case SeverityMedium:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// Range is the expected value interval of a baseline.
type Range struct {
	Min float64 `json:"min" msgpack:"min"`
	Max float64 `json:"max" msgpack:"max"`
}

// Record is an emitted anomaly. Immutable once created.
type Record struct {
	ID            string        `json:"id" msgpack:"id"`
	EntityKey     string        `json:"entity_key" msgpack:"entity_key"`
	MetricKind    string        `json:"metric_kind" msgpack:"metric_kind"`
	WindowSize    time.Duration `json:"window_size" msgpack:"window_size"`
	WindowStart   time.Time     `json:"window_start" msgpack:"window_start"`
	Source        event.Source  `json:"source" msgpack:"source"`
	ObservedValue float64       `json:"observed_value" msgpack:"observed_value"`
	BaselineRange Range         `json:"baseline_range" msgpack:"baseline_range"`
	Score         float64       `json:"anomaly_score" msgpack:"anomaly_score"`
	SeverityClass SeverityClass `json:"severity_class" msgpack:"severity_class"`
	Detectors     []DetectorID  `json:"detectors_agreeing" msgpack:"detectors_agreeing"`
	DetectedAt    time.Time     `json:"detected_at" msgpack:"detected_at"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%s@%s score=%.2f %s", r.EntityKey, r.MetricKind, r.WindowStart.Format("15:04:05"), r.Score, r.SeverityClass)
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:telcorr:anomaly"))

// recordID is stable per bucket: a bucket yields at most one anomaly.
func recordID(b window.FinalizedBucket) string {
	name := fmt.Sprintf("%s\x00%s\x00%d\x00%d", b.EntityKey, b.MetricKind, b.WindowSize, b.WindowStart.UnixNano())
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}
