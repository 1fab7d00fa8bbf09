// Package coordinator runs one pipeline end to end: it opens the run
// manifest, drives the DAG executor, and maps the walk result onto a
// terminal run status. Whatever happens inside the run, a manifest is
// produced; the coordinator never lets a stage failure escape as a crash.
package coordinator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Yash-Kakadiya/salesops-suite/dag"
	"github.com/Yash-Kakadiya/salesops-suite/events"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/flow"
	"github.com/Yash-Kakadiya/salesops-suite/manifest"
	"github.com/Yash-Kakadiya/salesops-suite/observability"
	"github.com/Yash-Kakadiya/salesops-suite/pool"
	"github.com/Yash-Kakadiya/salesops-suite/retry"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// NewRunID builds a sortable run identifier such as
// run_20260821T093042Z_a1b2c3.
func NewRunID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102T150405Z"), hex.EncodeToString(u[:3]))
}

// NewConversationID builds a CLI session identifier such as
// cli-session-0f3a9c21.
func NewConversationID() string {
	u := uuid.New()
	return "cli-session-" + hex.EncodeToString(u[:4])
}

// Options configures a coordinator for one run.
type Options struct {
	Flow     *flow.Definition
	Registry *task.Registry
	Writer   *manifest.Writer

	// Retry is the run-wide retry policy; per-stage overrides in the flow
	// definition still apply.
	Retry retry.Config

	// Workers overrides the flow's parallelism when positive.
	Workers int

	// Timeout is the run-level deadline. Zero means no deadline beyond
	// whatever the caller's context carries.
	Timeout time.Duration

	// RunID and ConversationID are generated when empty.
	RunID          string
	ConversationID string

	Logger    *slog.Logger
	Publisher *events.Publisher
	Tracer    *observability.Tracer
}

// Summary is what a finished run looks like to the caller. Err carries the
// cause only for failed runs; the manifest holds the full record either way.
type Summary struct {
	RunID        string
	Status       manifest.Status
	ManifestPath string
	Artifact     json.RawMessage
	Err          error
	Duration     time.Duration
}

// Coordinator drives one run. Not reusable; build a new one per run.
type Coordinator struct {
	opts Options
	log  *slog.Logger
}

// New validates options and fills in generated identifiers.
func New(opts Options) (*Coordinator, error) {
	if opts.Flow == nil {
		return nil, errors.New("flow definition required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task registry required")
	}
	if opts.Writer == nil {
		return nil, errors.New("manifest writer required")
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID(time.Now())
	}
	if opts.ConversationID == "" {
		opts.ConversationID = NewConversationID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		opts: opts,
		log:  opts.Logger.With("run_id", opts.RunID),
	}, nil
}

// RunID returns the identifier this run will be recorded under.
func (c *Coordinator) RunID() string { return c.opts.RunID }

// ConversationID returns the conversation all envelopes of this run share.
func (c *Coordinator) ConversationID() string { return c.opts.ConversationID }

// Execute runs the flow to a terminal status. The returned error is reserved
// for runs that could not start or record themselves; a run that started and
// failed reports through Summary.Status and Summary.Err.
func (c *Coordinator) Execute(ctx context.Context, initial json.RawMessage) (*Summary, error) {
	start := time.Now()
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	ctx, span := c.opts.Tracer.Start(ctx, "coordinator.run_flow")

	run, err := c.opts.Writer.BeginRun(&manifest.Manifest{
		RunID:          c.opts.RunID,
		ConversationID: c.opts.ConversationID,
		FlowID:         c.opts.Flow.ID,
	})
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("begin run: %w", err)
	}

	c.log.Info("run started",
		"flow", c.opts.Flow.ID,
		"stages", len(c.opts.Flow.Stages),
		"workers", c.workers(),
		"timeout", c.opts.Timeout.String())
	if perr := c.opts.Publisher.RunStarted(ctx, c.opts.RunID, c.opts.Flow.ID, start.UTC()); perr != nil {
		c.log.Warn("failed to publish run started event", "error", perr)
	}

	sum := c.drive(ctx, run, initial)
	sum.Duration = time.Since(start)

	observability.RunsTotal.WithLabelValues(sum.Status.String()).Inc()
	span.End(sum.Err)

	// The run context may already be dead; lifecycle notifications still go out.
	if perr := c.opts.Publisher.RunFinished(context.Background(), c.opts.RunID, sum.Status, errString(sum.Err), time.Now().UTC()); perr != nil {
		c.log.Warn("failed to publish run finished event", "error", perr)
	}

	switch sum.Status {
	case manifest.StatusCompleted:
		c.log.Info("run completed", "duration", sum.Duration.Round(time.Millisecond).String())
	case manifest.StatusPartiallyCompleted:
		c.log.Warn("run partially completed", "duration", sum.Duration.Round(time.Millisecond).String())
	default:
		c.log.Error("run failed",
			"duration", sum.Duration.Round(time.Millisecond).String(),
			"class", string(fault.Classify(sum.Err)),
			"error", sum.Err)
	}
	return sum, nil
}

// drive builds the executor, walks the DAG, and finalizes the manifest. Every
// path out of here leaves the manifest terminal.
func (c *Coordinator) drive(ctx context.Context, run *manifest.Run, initial json.RawMessage) *Summary {
	sum := &Summary{
		RunID:        c.opts.RunID,
		ManifestPath: run.Path(),
	}

	exec, err := dag.New(dag.Options{
		Flow:           c.opts.Flow,
		Registry:       c.opts.Registry,
		Pool:           pool.New(c.workers()),
		Retry:          c.opts.Retry,
		Run:            run,
		Logger:         c.log,
		Hooks:          c.hooks(ctx),
		ConversationID: c.opts.ConversationID,
		Sender:         "coordinator",
	})
	if err != nil {
		return c.finalize(sum, run, manifest.StatusFailed, err)
	}

	res, err := exec.Execute(ctx, initial)
	if err != nil {
		return c.finalize(sum, run, manifest.StatusFailed, err)
	}

	sum.Artifact = res.Artifact
	switch {
	case res.Reached && !res.Partial:
		return c.finalize(sum, run, manifest.StatusCompleted, nil)
	case res.Reached:
		return c.finalize(sum, run, manifest.StatusPartiallyCompleted, nil)
	default:
		return c.finalize(sum, run, manifest.StatusFailed, res.Err)
	}
}

func (c *Coordinator) finalize(sum *Summary, run *manifest.Run, status manifest.Status, cause error) *Summary {
	sum.Status = status
	sum.Err = cause
	if err := run.Finalize(status, cause); err != nil {
		c.log.Error("failed to finalize manifest", "error", err)
	}
	return sum
}

// hooks wires stage lifecycle notifications into spans, metrics, and run
// events. Stage hooks fire on the executor's control goroutine; only
// AttemptDone is called concurrently, and it touches nothing but counters.
func (c *Coordinator) hooks(ctx context.Context) dag.Hooks {
	spans := make(map[string]*observability.Span)
	return dag.Hooks{
		StageStarted: func(stage, kind, taskName string) {
			_, span := c.opts.Tracer.Start(ctx, "coordinator."+stage)
			spans[stage] = span
		},
		StageFinished: func(rec manifest.StageRecord) {
			if span, ok := spans[rec.Name]; ok {
				var cause error
				if rec.Outcome != manifest.OutcomeSucceeded && rec.LastError != "" {
					cause = errors.New(rec.LastError)
				}
				span.End(cause)
				delete(spans, rec.Name)
			}
			if err := c.opts.Publisher.StageFinished(ctx, c.opts.RunID, rec); err != nil {
				c.log.Warn("failed to publish stage event", "stage", rec.Name, "error", err)
			}
		},
		AttemptDone: func(stage string, attempt int, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			observability.StageAttemptsTotal.WithLabelValues(stage, status).Inc()
		},
	}
}

func (c *Coordinator) workers() int {
	if c.opts.Workers > 0 {
		return c.opts.Workers
	}
	return c.opts.Flow.Parallelism
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
