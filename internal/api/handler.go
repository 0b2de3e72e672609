package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/engine"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// readyThreshold is the mailbox fill ratio above which /readyz fails.
const readyThreshold = 0.8

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil
// when the engine runs without a config file; reload is then unavailable.
func New(eng *engine.Engine, loader *config.Loader) http.Handler {
	h := &Handler{eng: eng, loader: loader, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/buckets", h.listBuckets)
	h.mux.HandleFunc("GET /v1/baselines", h.listBaselines)
	h.mux.HandleFunc("GET /v1/correlations", h.listCorrelations)
	h.mux.HandleFunc("GET /v1/feedback", h.getFeedback)
	h.mux.HandleFunc("POST /v1/feedback", h.postFeedback)
	h.mux.HandleFunc("GET /v1/config", h.getConfig)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// GET /v1/buckets lists open window buckets.
func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.eng.Buckets(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(buckets), "buckets": buckets})
}

// GET /v1/baselines lists baseline models.
func (h *Handler) listBaselines(w http.ResponseWriter, r *http.Request) {
	baselines, err := h.eng.Baselines(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(baselines), "baselines": baselines})
}

// GET /v1/correlations lists retained correlations.
func (h *Handler) listCorrelations(w http.ResponseWriter, r *http.Request) {
	correlations, err := h.eng.Correlations(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(correlations), "correlations": correlations})
}

type feedbackRequest struct {
	Detectors    []anomaly.DetectorID `json:"detectors"`
	TruePositive *bool                `json:"true_positive"`
}

// POST /v1/feedback records an operator verdict on an emitted anomaly.
func (h *Handler) postFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(req.Detectors) == 0 || req.TruePositive == nil {
		writeError(w, http.StatusBadRequest, "detectors and true_positive are required")
		return
	}
	for _, d := range req.Detectors {
		if _, err := anomaly.ParseDetector(string(d)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.eng.Feedback(req.Detectors, *req.TruePositive)
	writeJSON(w, http.StatusOK, h.eng.FeedbackSnapshot())
}

// GET /v1/feedback returns per-detector counters and weights.
func (h *Handler) getFeedback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.FeedbackSnapshot())
}

// GET /v1/config summarizes the active configuration.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.eng.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      cfg.Version,
		"windows":      cfg.Aggregator.Windows,
		"scorer":       cfg.Scorer,
		"correlator":   cfg.Correlator,
		"dependencies": cfg.Dependencies,
		"patterns":     cfg.Patterns,
	})
}

// POST /v1/config/reload re-reads the config file. The engine picks the
// new config up through the loader's change callbacks.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotImplemented, "no config file to reload")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":     true,
		"version":      cfg.Version,
		"dependencies": len(cfg.Dependencies),
		"patterns":     len(cfg.Patterns),
	})
}

// GET /healthz always returns 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz returns 503 once any worker mailbox is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}
