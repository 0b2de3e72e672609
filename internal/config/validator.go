package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gyaneshwarpardhi/telcorr/internal/condition"
)

// Stream names accepted as route keys.
var Streams = []string{"buckets", "corrections", "anomalies", "correlations", "root_causes", "rejections"}

var sinkTypes = map[string]bool{"log": true, "file": true, "nats": true, "memory": true}

var correlationTypes = map[string]bool{
	"temporal": true, "causal": true, "pattern": true, "anomaly-cluster": true,
	"cost-impact": true, "security-chain": true, "performance-chain": true, "compliance-cascade": true,
}

var sourceCategories = map[string]bool{"performance": true, "security": true, "cost": true, "compliance": true}

var detectorNames = map[string]bool{"statistical": true, "iqr": true, "rate_of_change": true}

// ConfigurationError is returned when a config is structurally invalid.
// Errors lists every problem found, not just the first.
type ConfigurationError struct {
	Errors *multierror.Error
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Errors.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Errors }

// Validate checks every section and reports all problems together.
func Validate(cfg *Config) error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Version == "" {
		add("version is required")
	}

	e := cfg.Engine
	if e.Workers < 1 {
		add("engine.workers must be >= 1, got %d", e.Workers)
	}
	if e.QueueDepth < 1 {
		add("engine.queue_depth must be >= 1, got %d", e.QueueDepth)
	}
	if e.CorrelationQueueDepth < 1 {
		add("engine.correlation_queue_depth must be >= 1, got %d", e.CorrelationQueueDepth)
	}
	if e.SweepInterval <= 0 {
		add("engine.sweep_interval must be positive")
	}

	a := cfg.Aggregator
	if len(a.Windows) == 0 {
		add("aggregator.windows must not be empty")
	}
	seen := make(map[time.Duration]bool)
	largest := time.Duration(0)
	for i, w := range a.Windows {
		if w <= 0 {
			add("aggregator.windows[%d] must be positive, got %s", i, w)
		}
		if seen[w] {
			add("aggregator.windows[%d]: duplicate window %s", i, w)
		}
		seen[w] = true
		if w > largest {
			largest = w
		}
	}
	if a.GracePeriod < 0 {
		add("aggregator.grace_period must not be negative")
	}
	if a.ClosedSeriesCapacity < 1 {
		add("aggregator.closed_series_capacity must be >= 1")
	}
	if a.SketchRelativeAccuracy <= 0 || a.SketchRelativeAccuracy >= 1 {
		add("aggregator.sketch_relative_accuracy must be in (0,1), got %g", a.SketchRelativeAccuracy)
	}
	if a.SketchMaxBins < 16 {
		add("aggregator.sketch_max_bins must be >= 16, got %d", a.SketchMaxBins)
	}

	n := cfg.Normalizer
	if len(n.SupportedMajors) == 0 {
		add("normalizer.supported_schema_majors must not be empty")
	}
	if n.MaxFutureSkew < 0 {
		add("normalizer.max_future_skew must not be negative")
	}
	if n.MaxRetainedWindow < largest+a.GracePeriod {
		add("normalizer.max_retained_window %s is shorter than the largest window plus grace (%s)",
			n.MaxRetainedWindow, largest+a.GracePeriod)
	}
	if n.ReferenceCurrency == "" {
		add("normalizer.reference_currency is required")
	}
	for _, cur := range sortedKeys(n.CurrencyRates) {
		if r := n.CurrencyRates[cur]; r <= 0 {
			add("normalizer.currency_rates[%s] must be positive, got %g", cur, r)
		}
	}
	for _, id := range sortedKeys(n.Sources) {
		if src := n.Sources[id]; src.Category != "" && !sourceCategories[src.Category] {
			add("normalizer.sources[%s]: unknown category %q", id, src.Category)
		}
	}

	s := cfg.Scorer
	if s.EmissionThreshold < 0 || s.EmissionThreshold >= 1 {
		add("scorer.emission_threshold must be in [0,1), got %g", s.EmissionThreshold)
	}
	if s.MinSamples < 2 {
		add("scorer.min_samples must be >= 2, got %d", s.MinSamples)
	}
	if s.HistorySize < 4 {
		add("scorer.history_size must be >= 4, got %d", s.HistorySize)
	}
	if s.BaselineCapacity < 1 {
		add("scorer.baseline_capacity must be >= 1")
	}
	if s.MinSamples > s.HistorySize {
		add("scorer.min_samples (%d) exceeds history_size (%d)", s.MinSamples, s.HistorySize)
	}
	if s.EWMAAlpha <= 0 || s.EWMAAlpha > 1 {
		add("scorer.ewma_alpha must be in (0,1], got %g", s.EWMAAlpha)
	}
	if s.DefaultK <= 0 {
		add("scorer.default_k must be positive")
	}
	for _, kind := range sortedKeys(s.KPerKind) {
		if k := s.KPerKind[kind]; k <= 0 {
			add("scorer.k_per_kind[%s] must be positive, got %g", kind, k)
		}
	}
	if s.IQRMultiplier <= 0 {
		add("scorer.iqr_multiplier must be positive")
	}
	if s.RateOfChangeMultiplier <= 0 {
		add("scorer.rate_of_change_multiplier must be positive")
	}
	for _, d := range s.Detectors {
		if !detectorNames[d] {
			add("scorer.detectors: unknown detector %q", d)
		}
	}
	st := s.Severity
	if !(st.Medium < st.High && st.High < st.Critical && st.Critical <= 1) {
		add("scorer.severity_thresholds must satisfy medium < high < critical <= 1")
	}

	c := cfg.Correlator
	if c.DefaultWindow <= 0 {
		add("correlator.default_window must be positive")
	}
	for _, typ := range sortedKeys(c.WindowsPerType) {
		if !correlationTypes[typ] {
			add("correlator.windows_per_type: unknown correlation type %q", typ)
		}
		if c.WindowsPerType[typ] <= 0 {
			add("correlator.windows_per_type[%s] must be positive", typ)
		}
	}
	if c.EntityProximity <= 0 {
		add("correlator.entity_proximity must be positive")
	}
	if c.GracePeriod <= 0 {
		add("correlator.grace_period must be positive")
	}
	if c.Retention < c.DefaultWindow {
		add("correlator.retention must be at least default_window")
	}
	if c.MaxPending < 1 || c.MaxActive < 1 {
		add("correlator.max_pending and correlator.max_active must be >= 1")
	}

	for i, d := range cfg.Dependencies {
		if d.Entity == "" {
			add("dependencies[%d]: entity is required", i)
		}
		for _, up := range d.DependsOn {
			if up == "" {
				add("dependencies[%d]: empty depends_on entry", i)
			}
			if up == d.Entity {
				add("dependencies[%d]: %s depends on itself", i, d.Entity)
			}
		}
	}

	names := make(map[string]bool)
	for i, p := range cfg.Patterns {
		if p.Name == "" {
			add("patterns[%d]: name is required", i)
		} else if names[p.Name] {
			add("patterns[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if len(p.Steps) == 0 {
			add("pattern %s: steps must not be empty", p.Name)
		}
		for j, step := range p.Steps {
			if step.Kind == "" {
				add("pattern %s: steps[%d].kind is required", p.Name, j)
			}
			if step.When != "" {
				if _, err := condition.Parse(step.When); err != nil {
					add("pattern %s: steps[%d].when: %v", p.Name, j, err)
				}
			}
		}
	}

	em := cfg.Emitter
	if em.QueueSize < 1 {
		add("emitter.queue_size must be >= 1")
	}
	if em.WriteTimeout <= 0 || em.MaxRetryTime <= 0 || em.InitialBackoff <= 0 {
		add("emitter.write_timeout, max_retry_time and initial_backoff must be positive")
	}

	sinks := make(map[string]bool)
	for i, sd := range cfg.Sinks {
		if sd.Name == "" {
			add("sinks[%d]: name is required", i)
			continue
		}
		if sinks[sd.Name] {
			add("sinks[%d]: duplicate name %q", i, sd.Name)
		}
		sinks[sd.Name] = true
		if !sinkTypes[sd.Type] {
			add("sink %s: unknown type %q", sd.Name, sd.Type)
		}
		if sd.Format != "json" && sd.Format != "msgpack" {
			add("sink %s: format must be json or msgpack, got %q", sd.Name, sd.Format)
		}
		if sd.Type == "file" && sd.Path == "" {
			add("sink %s: path is required for file sinks", sd.Name)
		}
		if sd.Type == "nats" && sd.URL == "" {
			add("sink %s: url is required for nats sinks", sd.Name)
		}
	}
	known := make(map[string]bool, len(Streams))
	for _, s := range Streams {
		known[s] = true
	}
	for _, stream := range sortedKeys(cfg.Routes) {
		if !known[stream] {
			add("routes: unknown stream %q", stream)
		}
		for _, name := range cfg.Routes[stream] {
			if !sinks[name] {
				add("routes[%s]: unknown sink %q", stream, name)
			}
		}
	}

	if errs.ErrorOrNil() != nil {
		return &ConfigurationError{Errors: errs}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
