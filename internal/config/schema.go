package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version      string              `yaml:"version"`
	Engine       EngineConf          `yaml:"engine"`
	Normalizer   NormalizerConf      `yaml:"normalizer"`
	Aggregator   AggregatorConf      `yaml:"aggregator"`
	Scorer       ScorerConf          `yaml:"scorer"`
	Correlator   CorrelatorConf      `yaml:"correlator"`
	Dependencies []Dependency        `yaml:"dependencies"`
	Patterns     []PatternDef        `yaml:"patterns"`
	Emitter      EmitterConf         `yaml:"emitter"`
	Sinks        []SinkDef           `yaml:"sinks"`
	Routes       map[string][]string `yaml:"routes"` // stream → sink names
	Logging      LoggingConf         `yaml:"logging"`
	HTTP         HTTPConf            `yaml:"http"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	Workers               int           `yaml:"workers"`
	QueueDepth            int           `yaml:"queue_depth"`
	CorrelationQueueDepth int           `yaml:"correlation_queue_depth"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
}

// SourceConf describes one producer in the clock-skew table.
type SourceConf struct {
	Category  string        `yaml:"category"`
	ClockSkew time.Duration `yaml:"clock_skew"` // positive: producer clock runs ahead
}

// NormalizerConf configures validation and canonicalization.
type NormalizerConf struct {
	SupportedMajors   []int                 `yaml:"supported_schema_majors"`
	MaxFutureSkew     time.Duration         `yaml:"max_future_skew"`
	MaxRetainedWindow time.Duration         `yaml:"max_retained_window"`
	ReferenceCurrency string                `yaml:"reference_currency"`
	CurrencyRates     map[string]float64    `yaml:"currency_rates"` // units of reference currency per 1 unit
	Sources           map[string]SourceConf `yaml:"sources"`
}

// AggregatorConf configures windowing.
type AggregatorConf struct {
	Windows                []time.Duration `yaml:"windows"`
	GracePeriod            time.Duration   `yaml:"grace_period"`
	ClosedSeriesCapacity   int             `yaml:"closed_series_capacity"`
	SketchRelativeAccuracy float64         `yaml:"sketch_relative_accuracy"`
	SketchMaxBins          int             `yaml:"sketch_max_bins"`
}

// SeverityThresholds maps an ensemble score to a severity class.
type SeverityThresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ScorerConf configures the detector ensemble.
type ScorerConf struct {
	EmissionThreshold      float64            `yaml:"emission_threshold"`
	MinSamples             int                `yaml:"min_samples"`
	HistorySize            int                `yaml:"history_size"`
	BaselineCapacity       int                `yaml:"baseline_capacity"` // series per shard
	EWMAAlpha              float64            `yaml:"ewma_alpha"`
	DefaultK               float64            `yaml:"default_k"`
	KPerKind               map[string]float64 `yaml:"k_per_kind"`
	IQRMultiplier          float64            `yaml:"iqr_multiplier"`
	RateOfChangeMultiplier float64            `yaml:"rate_of_change_multiplier"`
	Detectors              []string           `yaml:"detectors"` // empty = all
	Severity               SeverityThresholds `yaml:"severity_thresholds"`
}

// CorrelatorConf configures correlation windows and lifecycle.
type CorrelatorConf struct {
	DefaultWindow   time.Duration            `yaml:"default_window"`
	WindowsPerType  map[string]time.Duration `yaml:"windows_per_type"`
	EntityProximity time.Duration            `yaml:"entity_proximity"`
	GracePeriod     time.Duration            `yaml:"grace_period"`
	Retention       time.Duration            `yaml:"retention"`
	MaxPending      int                      `yaml:"max_pending"`
	MaxActive       int                      `yaml:"max_active"`
}

// Dependency declares that Entity depends on each entry of DependsOn.
type Dependency struct {
	Entity    string   `yaml:"entity"`
	DependsOn []string `yaml:"depends_on"`
}

// PatternDef is a registered signature: an ordered sequence of event kinds.
type PatternDef struct {
	Name  string        `yaml:"name"`
	Steps []PatternStep `yaml:"steps"`
}

// PatternStep matches one member by kind and an optional predicate.
type PatternStep struct {
	Kind string `yaml:"kind"`
	When string `yaml:"when,omitempty"`
}

// EmitterConf configures the bounded emission queue.
type EmitterConf struct {
	QueueSize      int           `yaml:"queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRetryTime   time.Duration `yaml:"max_retry_time"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// SinkDef declares a named emission sink.
type SinkDef struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"` // log | file | nats | memory
	Path          string `yaml:"path,omitempty"`
	Format        string `yaml:"format,omitempty"` // json | msgpack
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
	Level         string `yaml:"level,omitempty"`
}

// LoggingConf configures slog.
type LoggingConf struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConf configures the read-only API listener.
type HTTPConf struct {
	Addr string `yaml:"addr"`
}
