// Package ingestor loads the raw sales extract and distills it into the
// aggregated snapshot every downstream stage works from. The loader is
// forgiving about data quality (mixed date layouts, stray whitespace,
// unparseable numerics) and strict about structure: missing required
// columns or an empty result fail the run permanently.
package ingestor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/encoding/charmap"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// TaskName is the registry name the built-in flows bind this agent to.
const TaskName = "ingest.load"

// requiredColumns must all be present after header cleanup.
var requiredColumns = []string{"Order Date", "Sales", "Profit", "Region", "Category", "Order ID"}

// groupDimensions are the columns the snapshot breaks daily sales down by.
var groupDimensions = []string{"Region", "Category"}

// dateLayouts are the accepted Order Date formats, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"2006/1/2",
	"2-Jan-2006",
}

// Request is the task payload: where to find the raw data. Path may be a
// literal file or a glob pattern; with a glob the most recent match wins.
type Request struct {
	Path string `json:"path"`
}

// Daily is one calendar day of global activity.
type Daily struct {
	Date   string  `json:"date"`
	Year   int     `json:"year"`
	Month  int     `json:"month"`
	Sales  float64 `json:"sales"`
	Profit float64 `json:"profit"`
	Orders int     `json:"orders"`
}

// Point is one day of one entity's sales.
type Point struct {
	Date  string  `json:"date"`
	Sales float64 `json:"sales"`
}

// Series is the daily breakdown for one entity of one grouping dimension,
// for example Region=West or Category=Technology.
type Series struct {
	Dimension string  `json:"dimension"`
	Entity    string  `json:"entity"`
	Points    []Point `json:"points"`
}

// Snapshot is the cleaned, aggregated view of the raw file. It is the
// payload handed to the detection stage and the artifact written for audit.
type Snapshot struct {
	Source  string   `json:"source"`
	Rows    int      `json:"rows"`
	Dropped int      `json:"dropped_rows"`
	Daily   []Daily  `json:"daily"`
	Groups  []Series `json:"groups"`
}

// Agent implements the ingest.load task.
type Agent struct {
	outputDir string
	logger    *slog.Logger
}

// New builds an ingestor that writes its snapshot artifact under outputDir.
// An empty outputDir disables the artifact file; the snapshot still flows
// downstream as the task payload.
func New(outputDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		outputDir: outputDir,
		logger:    logger.With("component", "ingestor"),
	}
}

// Execute implements task.Handler.
func (a *Agent) Execute(ctx context.Context, payload json.RawMessage) (*task.Outcome, error) {
	var req Request
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fault.SchemaViolation("payload", fmt.Sprintf("decode ingest request: %v", err))
		}
	}
	if req.Path == "" {
		return nil, fault.SchemaViolation("path", "input path is required")
	}

	source, err := resolveInput(req.Path)
	if err != nil {
		return nil, err
	}

	snap, err := a.load(ctx, source)
	if err != nil {
		return nil, err
	}

	outcome, err := task.Success(snap)
	if err != nil {
		return nil, err
	}
	if a.outputDir != "" {
		path, err := a.writeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		outcome.Artifacts = append(outcome.Artifacts, path)
	}

	a.logger.Info("dataset ingested",
		"source", snap.Source,
		"rows", snap.Rows,
		"dropped_rows", snap.Dropped,
		"days", len(snap.Daily),
		"series", len(snap.Groups))
	return outcome, nil
}

// resolveInput expands a glob pattern to the most recently modified match.
// Literal paths are stat'd directly. Either way a missing input is a
// permanent failure: retrying will not make the file appear.
func resolveInput(pattern string) (string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		if _, err := os.Stat(pattern); err != nil {
			return "", fault.Permanentf("data file %s: %v", pattern, err)
		}
		return pattern, nil
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fault.Permanentf("glob %q: %v", pattern, err)
	}

	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = m, info.ModTime()
		}
	}
	if newest == "" {
		return "", fault.Permanentf("no files match %q", pattern)
	}
	return newest, nil
}

type dailyAgg struct {
	sales  float64
	profit float64
	orders map[string]struct{}
}

// load reads and aggregates one CSV file.
func (a *Agent) load(ctx context.Context, source string) (*Snapshot, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fault.Permanentf("read %s: %v", source, err)
	}
	// Exports from older BI tools arrive latin1-encoded now and then.
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fault.Permanentf("decode %s as latin1: %v", source, err)
		}
		data = decoded
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	header, err := r.Read()
	if err != nil {
		return nil, fault.Permanentf("read header of %s: %v", source, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fault.Permanentf("dataset %s missing required columns: %v", source, missing)
	}

	daily := make(map[string]*dailyAgg)
	groups := make(map[string]map[string]map[string]float64, len(groupDimensions))
	for _, dim := range groupDimensions {
		groups[dim] = make(map[string]map[string]float64)
	}

	rows, dropped := 0, 0
	for i := 0; ; i++ {
		if i%2048 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Permanentf("parse %s: %v", source, err)
		}

		day, ok := parseDate(record[col["Order Date"]])
		if !ok {
			dropped++
			continue
		}
		rows++
		date := day.Format("2006-01-02")

		agg := daily[date]
		if agg == nil {
			agg = &dailyAgg{orders: make(map[string]struct{})}
			daily[date] = agg
		}
		sales, salesOK := parseFloat(record[col["Sales"]])
		if salesOK {
			agg.sales += sales
		}
		if v, ok := parseFloat(record[col["Profit"]]); ok {
			agg.profit += v
		}
		if id := strings.TrimSpace(record[col["Order ID"]]); id != "" {
			agg.orders[id] = struct{}{}
		}

		if salesOK {
			for _, dim := range groupDimensions {
				entity := strings.TrimSpace(record[col[dim]])
				if entity == "" {
					continue
				}
				byDate := groups[dim][entity]
				if byDate == nil {
					byDate = make(map[string]float64)
					groups[dim][entity] = byDate
				}
				byDate[date] += sales
			}
		}
	}

	if rows == 0 {
		return nil, fault.Permanentf("dataset %s is empty after cleaning", source)
	}
	if dropped > 0 {
		a.logger.Warn("dropped rows with unparseable dates", "source", source, "dropped_rows", dropped)
	}

	snap := &Snapshot{Source: source, Rows: rows, Dropped: dropped}

	dates := make([]string, 0, len(daily))
	for date := range daily {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		agg := daily[date]
		day, _ := time.Parse("2006-01-02", date)
		snap.Daily = append(snap.Daily, Daily{
			Date:   date,
			Year:   day.Year(),
			Month:  int(day.Month()),
			Sales:  agg.sales,
			Profit: agg.profit,
			Orders: len(agg.orders),
		})
	}

	for _, dim := range groupDimensions {
		entities := make([]string, 0, len(groups[dim]))
		for entity := range groups[dim] {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
		for _, entity := range entities {
			byDate := groups[dim][entity]
			series := Series{Dimension: dim, Entity: entity}
			entityDates := make([]string, 0, len(byDate))
			for date := range byDate {
				entityDates = append(entityDates, date)
			}
			sort.Strings(entityDates)
			for _, date := range entityDates {
				series.Points = append(series.Points, Point{Date: date, Sales: byDate[date]})
			}
			snap.Groups = append(snap.Groups, series)
		}
	}

	return snap, nil
}

func (a *Agent) writeSnapshot(snap *Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(a.outputDir, "snapshot.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
