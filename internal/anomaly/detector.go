package anomaly

import (
	"fmt"
	"math"

	"github.com/gyaneshwarpardhi/telcorr/internal/baseline"
)

// DetectorID names one member of the fixed detector ensemble.
type DetectorID string

const (
	Statistical  DetectorID = "statistical"
	IQR          DetectorID = "iqr"
	RateOfChange DetectorID = "rate_of_change"
)

// Detectors lists every detector in evaluation order.
var Detectors = []DetectorID{Statistical, IQR, RateOfChange}

// ParseDetector resolves a detector name.
func ParseDetector(s string) (DetectorID, error) {
	for _, d := range Detectors {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown detector %q", s)
}

// Vote is one detector's verdict on a value.
type Vote struct {
	Detector  DetectorID `json:"detector"`
	Abstained bool       `json:"abstained,omitempty"` // not enough history
	Flagged   bool       `json:"flagged"`
	Severity  float64    `json:"severity"` // 0..1
}

// params are the per-call detector settings.
type params struct {
	k          float64
	iqrMult    float64
	rateMult   float64
	minSamples int
}

// evaluate dispatches over the closed detector list.
func (d DetectorID) evaluate(x float64, m *baseline.Model, p params) Vote {
	if m.Count() < int64(p.minSamples) {
		return Vote{Detector: d, Abstained: true}
	}
	switch d {
	case Statistical:
		return statistical(x, m, p)
	case IQR:
		return interquartile(x, m, p)
	case RateOfChange:
		return rateOfChange(x, m, p)
	}
	return Vote{Detector: d, Abstained: true}
}

// spreadFloor keeps z-scores finite for flat series.
func spreadFloor(std, mean float64) float64 {
	return math.Max(std, math.Max(0.001*math.Abs(mean), 1e-9))
}

func statistical(x float64, m *baseline.Model, p params) Vote {
	std := spreadFloor(m.StdDev(), m.Mean())
	z := math.Abs(x-m.Mean()) / std
	return Vote{
		Detector: Statistical,
		Flagged:  z > p.k,
		Severity: 1 - math.Exp(-z/(2*p.k)),
	}
}

func interquartile(x float64, m *baseline.Model, p params) Vote {
	h := m.History()
	if len(h) < p.minSamples {
		return Vote{Detector: IQR, Abstained: true}
	}
	q1 := baseline.Quantile(h, 0.25)
	q3 := baseline.Quantile(h, 0.75)
	median := baseline.Quantile(h, 0.5)
	scale := math.Max(q3-q1, math.Max(0.01*math.Abs(median), 1e-9))
	lo := q1 - p.iqrMult*scale
	hi := q3 + p.iqrMult*scale

	var beyond float64
	switch {
	case x < lo:
		beyond = lo - x
	case x > hi:
		beyond = x - hi
	}
	return Vote{
		Detector: IQR,
		Flagged:  beyond > 0,
		Severity: 1 - math.Exp(-(beyond/scale)/p.iqrMult),
	}
}

func rateOfChange(x float64, m *baseline.Model, p params) Vote {
	if m.Deltas() < 1 {
		return Vote{Detector: RateOfChange, Abstained: true}
	}
	std := spreadFloor(m.DeltaStdDev(), m.Mean())
	dev := math.Abs((x - m.Last()) - m.DeltaMean())
	return Vote{
		Detector: RateOfChange,
		Flagged:  dev > p.rateMult*std,
		Severity: 1 - math.Exp(-(dev/std)/(2*p.rateMult)),
	}
}
