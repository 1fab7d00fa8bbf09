// Package detector flags anomalous daily sales with pure statistics. Two
// detectors run over the ingested snapshot: a rolling z-score on the global
// daily series, and a rolling Tukey fence (IQR) per region and category.
// No model calls happen here; every flagged record carries enough context
// for the explanation stage to reason about it.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Yash-Kakadiya/salesops-suite/agents/ingestor"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// TaskName is the registry name the built-in flows bind this agent to.
const TaskName = "detect.anomalies"

const (
	metricName = "Sales"

	zscoreWindow    = 30
	zscoreThreshold = 3.0

	iqrWindow     = 14
	iqrMinPeriods = 5
	iqrFenceK     = 1.5
	// Tiny values are never anomalies even when the fence says so; a day of
	// 3 units in a quiet region is noise, not a signal.
	iqrMinValue = 10.0

	// topLimit caps top_anomalies so the explain stage gets a bounded input.
	topLimit = 50
)

// Anomaly is one flagged observation in the standard record shape shared
// with the explain and act stages.
type Anomaly struct {
	AnomalyID   string             `json:"anomaly_id"`
	Level       string             `json:"level"`
	EntityID    string             `json:"entity_id"`
	PeriodStart string             `json:"period_start"`
	PeriodEnd   string             `json:"period_end"`
	Metric      string             `json:"metric"`
	Value       float64            `json:"value"`
	Expected    float64            `json:"expected"`
	Score       float64            `json:"score"`
	Detector    string             `json:"detector"`
	Reason      string             `json:"reason"`
	Context     map[string]float64 `json:"context"`
}

// Report is the detection payload: everything found, plus the score-ranked
// head that downstream model calls are limited to.
type Report struct {
	Count        int       `json:"count"`
	TopAnomalies []Anomaly `json:"top_anomalies"`
	AllAnomalies []Anomaly `json:"all_anomalies"`
}

// Agent implements the detect.anomalies task.
type Agent struct {
	outputDir string
	logger    *slog.Logger
}

// New builds a detector that writes its anomaly report under outputDir.
// An empty outputDir disables the artifact file.
func New(outputDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		outputDir: outputDir,
		logger:    logger.With("component", "detector"),
	}
}

// Execute implements task.Handler.
func (a *Agent) Execute(ctx context.Context, payload json.RawMessage) (*task.Outcome, error) {
	var snap ingestor.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fault.SchemaViolation("payload", fmt.Sprintf("decode snapshot: %v", err))
	}

	a.logger.Info("running global z-score detector",
		"metric", metricName, "window", zscoreWindow, "threshold", zscoreThreshold)
	anomalies := detectGlobalZScore(snap.Daily)
	globalCount := len(anomalies)

	a.logger.Info("running grouped IQR detector",
		"metric", metricName, "window", iqrWindow, "k", iqrFenceK, "series", len(snap.Groups))
	for _, series := range snap.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, detectSeriesIQR(series)...)
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].Score > anomalies[j].Score
	})
	top := anomalies
	if len(top) > topLimit {
		top = top[:topLimit]
	}
	report := &Report{Count: len(anomalies), TopAnomalies: top, AllAnomalies: anomalies}

	outcome, err := task.Success(report)
	if err != nil {
		return nil, err
	}
	if a.outputDir != "" {
		path, err := a.writeReport(report)
		if err != nil {
			return nil, err
		}
		outcome.Artifacts = append(outcome.Artifacts, path)
	}

	a.logger.Info("anomaly detection complete",
		"count", report.Count, "global", globalCount, "grouped", report.Count-globalCount)
	return outcome, nil
}

// detectGlobalZScore walks the global daily series with a trailing window
// that includes the current day. A day more than the threshold's worth of
// sample deviations from the window mean is flagged; a zero deviation is
// treated as one so flat histories cannot divide by zero.
func detectGlobalZScore(daily []ingestor.Daily) []Anomaly {
	anomalies := make([]Anomaly, 0)
	values := make([]float64, len(daily))
	for i := range daily {
		values[i] = daily[i].Sales
	}

	for i, v := range values {
		start := i - zscoreWindow + 1
		if start < 0 {
			start = 0
		}
		win := values[start : i+1]
		if len(win) < 2 {
			continue
		}
		mean := meanOf(win)
		std := sampleStd(win, mean)
		if std == 0 {
			std = 1
		}
		z := (v - mean) / std
		if math.Abs(z) <= zscoreThreshold {
			continue
		}

		score := round2(math.Abs(z))
		date := daily[i].Date
		anomalies = append(anomalies, Anomaly{
			AnomalyID:   anomalyID("zscore", "Global", date, score),
			Level:       "global",
			EntityID:    "All_Regions",
			PeriodStart: date,
			PeriodEnd:   date,
			Metric:      metricName,
			Value:       v,
			Expected:    round2(mean),
			Score:       score,
			Detector:    "zscore",
			Reason:      fmt.Sprintf("Spike detected (Z=%s)", formatScore(score)),
			Context: map[string]float64{
				"window_mean": round2(mean),
				"window_std":  round2(std),
				"threshold":   zscoreThreshold,
			},
		})
	}
	return anomalies
}

// detectSeriesIQR applies a rolling Tukey fence to one entity's daily
// series. The window needs at least iqrMinPeriods observations before the
// fence is meaningful, so early days of a new entity are skipped.
func detectSeriesIQR(series ingestor.Series) []Anomaly {
	var anomalies []Anomaly
	level := strings.ToLower(series.Dimension)
	values := make([]float64, len(series.Points))
	for i := range series.Points {
		values[i] = series.Points[i].Sales
	}

	for i, v := range values {
		if i+1 < iqrMinPeriods {
			continue
		}
		start := i - iqrWindow + 1
		if start < 0 {
			start = 0
		}
		win := values[start : i+1]
		q1 := quantile(win, 0.25)
		q3 := quantile(win, 0.75)
		iqr := q3 - q1
		lower := q1 - iqrFenceK*iqr
		upper := q3 + iqrFenceK*iqr

		if v >= lower && v <= upper {
			continue
		}
		if v <= iqrMinValue {
			continue
		}

		var dist, expected float64
		if v > q3 {
			dist = v - q3
			expected = round2(q3)
		} else {
			dist = q1 - v
			expected = round2(q1)
		}
		denom := iqr
		if denom <= 0 {
			denom = 1
		}
		score := round2(dist / denom)

		date := series.Points[i].Date
		anomalies = append(anomalies, Anomaly{
			AnomalyID:   anomalyID("iqr", series.Entity, date, score),
			Level:       level,
			EntityID:    series.Entity,
			PeriodStart: date,
			PeriodEnd:   date,
			Metric:      metricName,
			Value:       v,
			Expected:    expected,
			Score:       score,
			Detector:    "iqr",
			Reason:      fmt.Sprintf("Outside Tukey Fence (Score=%s)", formatScore(score)),
			Context: map[string]float64{
				"Q1":  round2(q1),
				"Q3":  round2(q3),
				"IQR": round2(iqr),
			},
		})
	}
	return anomalies
}

func (a *Agent) writeReport(report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal anomaly report: %w", err)
	}
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(a.outputDir, "anomalies.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write anomaly report: %w", err)
	}
	return path, nil
}

// anomalyID builds a stable human-scannable identifier such as
// iqr_New_York_2024-03-07_s4.
func anomalyID(detector, entity, date string, score float64) string {
	clean := strings.ReplaceAll(entity, " ", "_")
	return fmt.Sprintf("%s_%s_%s_s%d", detector, clean, date, int(score))
}

func meanOf(win []float64) float64 {
	var sum float64
	for _, v := range win {
		sum += v
	}
	return sum / float64(len(win))
}

// sampleStd is the n-1 denominator standard deviation. Callers must pass
// at least two observations.
func sampleStd(win []float64, mean float64) float64 {
	var sum float64
	for _, v := range win {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(win)-1))
}

// quantile computes the p-th quantile of win with linear interpolation
// between closest ranks.
func quantile(win []float64, p float64) float64 {
	s := make([]float64, len(win))
	copy(s, win)
	sort.Float64s(s)

	if len(s) == 1 {
		return s[0]
	}
	pos := p * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatScore renders a rounded score without trailing zeros, so reasons
// read Z=3.5 rather than Z=3.50.
func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'g', -1, 64)
}
