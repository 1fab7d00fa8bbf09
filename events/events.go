// Package events publishes run lifecycle notifications over NATS. The
// publisher is optional: a nil *Publisher or nil connection skips publishing
// without error, so runs behave identically with or without a broker.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Yash-Kakadiya/salesops-suite/envelope"
	"github.com/Yash-Kakadiya/salesops-suite/manifest"
)

// Subjects for run lifecycle events.
const (
	subjectStarted  = "salesops.run.%s.started"
	subjectStage    = "salesops.run.%s.stage"
	subjectFinished = "salesops.run.%s.finished"
)

// SubjectRunStarted returns the subject run-started events are published on.
func SubjectRunStarted(runID string) string { return fmt.Sprintf(subjectStarted, runID) }

// SubjectRunStage returns the subject per-stage events are published on.
func SubjectRunStage(runID string) string { return fmt.Sprintf(subjectStage, runID) }

// SubjectRunFinished returns the subject run-finished events are published on.
func SubjectRunFinished(runID string) string { return fmt.Sprintf(subjectFinished, runID) }

// RunStarted is the payload announcing a new run.
type RunStarted struct {
	RunID   string    `json:"run_id"`
	FlowID  string    `json:"flow_id"`
	StartTS time.Time `json:"start_ts"`
}

// StageFinished is the payload emitted after each stage settles.
type StageFinished struct {
	RunID   string           `json:"run_id"`
	Stage   string           `json:"stage"`
	Kind    string           `json:"kind"`
	Outcome manifest.Outcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

// RunFinished is the payload announcing a terminal run status.
type RunFinished struct {
	RunID  string          `json:"run_id"`
	Status manifest.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
	EndTS  time.Time       `json:"end_ts"`
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Publisher wraps a NATS connection and emits lifecycle events as EVENT
// envelopes. Events are one-way notifications for dashboards and evaluation
// tooling; no component in the pipeline depends on them.
type Publisher struct {
	nc             *nats.Conn
	conversationID string
	sender         string
}

// NewPublisher builds a publisher over nc. A nil nc is allowed and disables
// publishing.
func NewPublisher(nc *nats.Conn, conversationID string) *Publisher {
	return &Publisher{
		nc:             nc,
		conversationID: conversationID,
		sender:         "coordinator",
	}
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}

// RunStarted announces that a run began.
func (p *Publisher) RunStarted(ctx context.Context, runID, flowID string, startTS time.Time) error {
	return p.publish(ctx, SubjectRunStarted(runID), RunStarted{
		RunID:   runID,
		FlowID:  flowID,
		StartTS: startTS,
	})
}

// StageFinished announces that a stage settled.
func (p *Publisher) StageFinished(ctx context.Context, runID string, rec manifest.StageRecord) error {
	return p.publish(ctx, SubjectRunStage(runID), StageFinished{
		RunID:   runID,
		Stage:   rec.Name,
		Kind:    rec.Kind,
		Outcome: rec.Outcome,
		Error:   rec.LastError,
	})
}

// RunFinished announces the terminal run status.
func (p *Publisher) RunFinished(ctx context.Context, runID string, status manifest.Status, runErr string, endTS time.Time) error {
	return p.publish(ctx, SubjectRunFinished(runID), RunFinished{
		RunID:  runID,
		Status: status,
		Error:  runErr,
		EndTS:  endTS,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}

	ev, err := envelope.NewEvent(p.conversationID, p.sender, subject, payload)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
