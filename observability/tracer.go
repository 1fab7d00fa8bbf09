package observability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed operation, written as a single JSONL line when it ends.
type Span struct {
	SpanID       string  `json:"span_id"`
	TraceID      string  `json:"trace_id"`
	ParentSpanID string  `json:"parent_span_id,omitempty"`
	Name         string  `json:"name"`
	StartTS      string  `json:"start_ts"`
	EndTS        string  `json:"end_ts"`
	DurationMS   float64 `json:"duration_ms"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`

	tracer *Tracer
	start  time.Time
}

// Tracer appends spans to <dir>/trace_spans.jsonl. One tracer serves one
// trace, typically a run. A nil tracer is valid and records nothing.
type Tracer struct {
	mu      sync.Mutex
	path    string
	traceID string
}

// NewTracer creates a tracer writing under dir. An empty traceID gets a
// generated one.
func NewTracer(dir, traceID string) *Tracer {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Tracer{
		path:    filepath.Join(dir, "trace_spans.jsonl"),
		traceID: traceID,
	}
}

// TraceID returns the id shared by all spans of this tracer.
func (t *Tracer) TraceID() string {
	if t == nil {
		return ""
	}
	return t.traceID
}

type spanKey struct{}

// Start opens a span named name. The returned context carries the span id so
// nested spans record their parent; End writes the span out.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	parent, _ := ctx.Value(spanKey{}).(string)
	s := &Span{
		SpanID:       uuid.NewString(),
		TraceID:      t.traceID,
		ParentSpanID: parent,
		Name:         name,
		StartTS:      time.Now().UTC().Format(time.RFC3339Nano),
		tracer:       t,
		start:        time.Now(),
	}
	return context.WithValue(ctx, spanKey{}, s.SpanID), s
}

// End closes the span with OK or ERROR status and appends it to the trace
// file. Write failures are swallowed: tracing never fails the pipeline.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	s.EndTS = time.Now().UTC().Format(time.RFC3339Nano)
	s.DurationMS = float64(time.Since(s.start).Microseconds()) / 1000.0
	s.Status = "OK"
	if err != nil {
		s.Status = "ERROR"
		s.Error = err.Error()
	}
	s.tracer.write(s)
}

func (t *Tracer) write(s *Span) {
	line, err := json.Marshal(s)
	if err != nil {
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(line)
}
