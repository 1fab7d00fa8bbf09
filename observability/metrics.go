package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts coordinator runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_runs_total",
		Help: "Total number of coordinator runs",
	}, []string{"status"})

	// StageAttemptsTotal counts task attempts by stage and result.
	StageAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_stage_attempts_total",
		Help: "Total stage task attempts",
	}, []string{"stage", "status"})

	// LLMCallsTotal counts outbound model calls.
	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_llm_calls_total",
		Help: "Total LLM API calls",
	}, []string{"model", "status"})

	// LLMLatency observes model call latency in milliseconds.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesops_llm_latency_ms",
		Help:    "Latency of LLM calls",
		Buckets: []float64{100, 500, 1000, 2000, 5000, 10000},
	}, []string{"model"})

	// ActionsTotal counts external side effects by type and result.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_actions_total",
		Help: "Total actions executed",
	}, []string{"type", "status"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricSample is one flattened sample in the snapshot file.
type metricSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// WriteSnapshot dumps the current salesops metric values to a JSON file so
// runs leave a metrics record even without a scraper attached.
func WriteSnapshot(path string) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var samples []metricSample
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < 9 || name[:9] != "salesops_" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}

			switch {
			case m.GetCounter() != nil:
				samples = append(samples, metricSample{Name: name, Labels: labels, Value: m.GetCounter().GetValue()})
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				samples = append(samples, metricSample{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())})
				samples = append(samples, metricSample{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()})
			case m.GetGauge() != nil:
				samples = append(samples, metricSample{Name: name, Labels: labels, Value: m.GetGauge().GetValue()})
			}
		}
	}

	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	return nil
}
