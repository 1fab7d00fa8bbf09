// Package kpi computes headline sales figures from the ingested snapshot.
package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/Yash-Kakadiya/salesops-suite/agents/ingestor"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// TaskName is the registry name the built-in flows bind this agent to.
const TaskName = "kpi.compute"

// topN caps the breakdown lists.
const topN = 10

// Entry is one row of a revenue breakdown.
type Entry struct {
	Name    string  `json:"name"`
	Revenue float64 `json:"revenue"`
}

// Report is the kpi.compute outcome payload.
type Report struct {
	TotalRevenue  float64 `json:"total_revenue"`
	TotalProfit   float64 `json:"total_profit"`
	OrdersCount   int     `json:"orders_count"`
	AvgOrderValue float64 `json:"avg_order_value"`
	ProfitMargin  float64 `json:"profit_margin"`
	TopRegions    []Entry `json:"top_regions"`
	TopCategories []Entry `json:"top_categories"`
}

// Agent implements the kpi.compute task.
type Agent struct {
	outputDir string
	logger    *slog.Logger
}

// New builds a KPI agent writing its artifact under outputDir.
func New(outputDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{outputDir: outputDir, logger: logger.With("component", "kpi")}
}

// Execute implements task.Handler. The payload is the ingestion snapshot.
func (a *Agent) Execute(ctx context.Context, payload json.RawMessage) (*task.Outcome, error) {
	var snap ingestor.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fault.SchemaViolation("payload", fmt.Sprintf("decode snapshot: %v", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := compute(&snap)

	outcome, err := task.Success(report)
	if err != nil {
		return nil, err
	}
	if path, werr := a.writeReport(report); werr != nil {
		a.logger.Error("failed to write kpi report", "error", werr)
	} else if path != "" {
		outcome.Artifacts = append(outcome.Artifacts, path)
	}

	a.logger.Info("kpis computed",
		"total_revenue", report.TotalRevenue,
		"orders", report.OrdersCount,
		"profit_margin", report.ProfitMargin)
	return outcome, nil
}

func compute(snap *ingestor.Snapshot) *Report {
	var revenue, profit float64
	var orders int
	for _, day := range snap.Daily {
		revenue += day.Sales
		profit += day.Profit
		orders += day.Orders
	}

	report := &Report{
		TotalRevenue:  round2(revenue),
		TotalProfit:   round2(profit),
		OrdersCount:   orders,
		TopRegions:    breakdown(snap.Groups, "Region"),
		TopCategories: breakdown(snap.Groups, "Category"),
	}
	if orders > 0 {
		report.AvgOrderValue = round2(revenue / float64(orders))
	}
	if revenue != 0 {
		report.ProfitMargin = round4(profit / revenue)
	}
	return report
}

// breakdown sums each entity's series for one dimension, descending by
// revenue, ties broken by name so the output is deterministic.
func breakdown(groups []ingestor.Series, dimension string) []Entry {
	entries := make([]Entry, 0)
	for _, series := range groups {
		if series.Dimension != dimension {
			continue
		}
		var total float64
		for _, pt := range series.Points {
			total += pt.Sales
		}
		entries = append(entries, Entry{Name: series.Entity, Revenue: round2(total)})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Revenue != entries[j].Revenue {
			return entries[i].Revenue > entries[j].Revenue
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > topN {
		entries = entries[:topN]
	}
	return entries
}

func (a *Agent) writeReport(report *Report) (string, error) {
	if a.outputDir == "" {
		return "", nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode kpi report: %w", err)
	}
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(a.outputDir, "kpi.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write kpi report: %w", err)
	}
	return path, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
