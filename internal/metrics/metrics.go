package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_events_ingested_total",
		Help: "Total number of raw events pulled from the event source.",
	})

	EventsNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_events_normalized_total",
		Help: "Total number of raw events that normalized successfully.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_events_rejected_total",
		Help: "Total number of raw events rejected by the normalizer, labelled by reason.",
	}, []string{"reason"})

	LateArrivals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_late_arrivals_total",
		Help: "Events arriving after their window closed, labelled by the stage that detected it.",
	}, []string{"stage"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_events_dropped_total",
		Help: "Total number of events rejected due to a full shard queue.",
	})

	BucketsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_buckets_finalized_total",
		Help: "Total number of window buckets closed and emitted, labelled by window size.",
	}, []string{"window"})

	SketchRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_sketch_values_rejected_total",
		Help: "Values outside the percentile sketch's indexable range. They still count toward sum, min and max.",
	})

	BaselineResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_baseline_resets_total",
		Help: "Total number of corrupt baselines reinitialized.",
	})

	AnomaliesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_anomalies_emitted_total",
		Help: "Total number of anomaly records emitted, labelled by severity class.",
	}, []string{"severity"})

	DetectorVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_detector_votes_total",
		Help: "Total number of positive detector votes, labelled by detector.",
	}, []string{"detector"})

	CorrelationsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_correlations_opened_total",
		Help: "Total number of correlations opened, labelled by type.",
	}, []string{"type"})

	CorrelationsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_correlations_closed_total",
		Help: "Total number of correlations closed, labelled by type.",
	}, []string{"type"})

	CorrelationsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_correlations_evicted_total",
		Help: "Total number of correlations dropped from the working set.",
	})

	RootCauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telcorr_root_causes_total",
		Help: "Total number of root-cause results produced.",
	})

	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_sink_dropped_total",
		Help: "Finalized records dropped before delivery because the emission queue overflowed or retries were exhausted.",
	}, []string{"reason"})

	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telcorr_sink_writes_total",
		Help: "Sink write attempts, labelled by sink and status.",
	}, []string{"sink", "status"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telcorr_sweep_duration_ms",
		Help:    "Time spent by one sweep across all shards and the correlator, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telcorr_queue_utilization_ratio",
		Help: "Highest shard queue utilization (0–1).",
	})

	ActiveCorrelations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telcorr_active_correlations",
		Help: "Correlations currently held in the correlator working set.",
	})
)
