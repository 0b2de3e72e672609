package window

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Sketch approximates quantiles of a bucket's values.
//
// Every reported quantile q̂ is within relativeAccuracy·|q| of the true value q
// at that rank, as long as fewer than maxBins distinct bins are in use. Past
// the bin cap the lowest bins collapse, which only affects quantiles well
// below the median. Exact values are never stored.
type Sketch struct {
	dd *ddsketch.DDSketch
}

// NewSketch allocates an empty sketch.
func NewSketch(relativeAccuracy float64, maxBins int) (*Sketch, error) {
	dd, err := ddsketch.LogCollapsingLowestDenseDDSketch(relativeAccuracy, maxBins)
	if err != nil {
		return nil, fmt.Errorf("ddsketch: %w", err)
	}
	return &Sketch{dd: dd}, nil
}

// Add records one value. Values outside the indexable range are rejected.
func (s *Sketch) Add(v float64) error {
	return s.dd.Add(v)
}

// Quantile returns the approximate value at q in [0,1]; ok is false when empty.
func (s *Sketch) Quantile(q float64) (v float64, ok bool) {
	if s.dd.IsEmpty() {
		return 0, false
	}
	v, err := s.dd.GetValueAtQuantile(q)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Count returns the number of recorded values.
func (s *Sketch) Count() float64 { return s.dd.GetCount() }

