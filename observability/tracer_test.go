package observability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readSpans(t *testing.T, dir string) []Span {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "trace_spans.jsonl"))
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	var spans []Span
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var s Span
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			t.Fatalf("span line does not parse: %v", err)
		}
		spans = append(spans, s)
	}
	return spans
}

func TestTracerWritesSpans(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracer(dir, "run_trace_test")

	ctx, outer := tr.Start(context.Background(), "run")
	_, inner := tr.Start(ctx, "stage")
	inner.End(nil)
	outer.End(errors.New("run failed"))

	spans := readSpans(t, dir)
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// Inner span ends first, so it is written first.
	if spans[0].Name != "stage" || spans[1].Name != "run" {
		t.Errorf("span order = %s, %s", spans[0].Name, spans[1].Name)
	}
	if spans[0].ParentSpanID != spans[1].SpanID {
		t.Errorf("inner parent = %q, want outer id %q", spans[0].ParentSpanID, spans[1].SpanID)
	}
	for _, s := range spans {
		if s.TraceID != "run_trace_test" {
			t.Errorf("trace id = %q", s.TraceID)
		}
		if s.DurationMS < 0 {
			t.Errorf("negative duration %f", s.DurationMS)
		}
	}
	if spans[0].Status != "OK" {
		t.Errorf("inner status = %q", spans[0].Status)
	}
	if spans[1].Status != "ERROR" || spans[1].Error != "run failed" {
		t.Errorf("outer status = %q error = %q", spans[1].Status, spans[1].Error)
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), "anything")
	if ctx == nil {
		t.Fatal("context dropped")
	}
	span.End(nil)
	if tr.TraceID() != "" {
		t.Errorf("TraceID on nil tracer = %q", tr.TraceID())
	}
}

func TestTracerGeneratesTraceID(t *testing.T) {
	tr := NewTracer(t.TempDir(), "")
	if tr.TraceID() == "" {
		t.Fatal("expected generated trace id")
	}
}
