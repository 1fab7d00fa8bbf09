// Package dag walks a validated flow definition and drives every stage to a
// terminal state. Sequential stages run on the control goroutine; fan-out
// stages partition their input across the worker pool and the paired fan-in
// reassembles the results in input order. Stage failures never escape as
// panics or early returns: they become manifest records and cancellation of
// the stages that depended on them.
package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Yash-Kakadiya/salesops-suite/envelope"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/flow"
	"github.com/Yash-Kakadiya/salesops-suite/manifest"
	"github.com/Yash-Kakadiya/salesops-suite/pool"
	"github.com/Yash-Kakadiya/salesops-suite/retry"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// Hooks receive stage lifecycle notifications. All fields are optional.
type Hooks struct {
	StageStarted  func(stage, kind, taskName string)
	StageFinished func(rec manifest.StageRecord)
	AttemptDone   func(stage string, attempt int, err error)
}

// Options configures an Executor for one run.
type Options struct {
	Flow           *flow.Definition
	Registry       *task.Registry
	Pool           *pool.Pool
	Retry          retry.Config
	Run            *manifest.Run
	Logger         *slog.Logger
	Hooks          Hooks
	ConversationID string
	Sender         string
}

// Result summarizes how the walk ended. The run manifest carries the full
// audit trail; this is what the coordinator needs to pick a terminal status.
type Result struct {
	// Reached is true when the terminal stage succeeded, which on a
	// validated flow means every stage succeeded.
	Reached bool

	// Partial is true when a fan-out chunk failed or a task reported an
	// explicitly degraded result.
	Partial bool

	// Artifact and Status are the terminal stage's output when reached.
	Artifact json.RawMessage
	Status   envelope.Status

	// FailedStage and Err identify the first failure in declaration order,
	// or the run-level cause when the walk was cut short.
	FailedStage string
	Err         error
}

// Executor drives one run of one flow. Not reusable.
type Executor struct {
	flow     *flow.Definition
	registry *task.Registry
	pool     *pool.Pool
	retryCfg retry.Config
	run      *manifest.Run
	logger   *slog.Logger
	hooks    Hooks
	codec    *envelope.Codec
	convID   string
	sender   string

	states   map[string]*stageState
	initial  json.RawMessage
	executed bool
}

// New builds an executor, re-validating the flow and checking that every
// declared task is registered. A missing task is a configuration error that
// fails here, before anything runs.
func New(opts Options) (*Executor, error) {
	if opts.Flow == nil {
		return nil, errors.New("flow definition required")
	}
	if err := opts.Flow.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, errors.New("task registry required")
	}
	if opts.Run == nil {
		return nil, errors.New("run manifest handle required")
	}
	for i := range opts.Flow.Stages {
		s := &opts.Flow.Stages[i]
		if s.Kind == flow.KindFanIn {
			continue
		}
		if !opts.Registry.Has(s.Task) {
			return nil, &fault.UnknownTaskError{Name: s.Task}
		}
	}

	if opts.Pool == nil {
		opts.Pool = pool.New(opts.Flow.Parallelism)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConversationID == "" {
		opts.ConversationID = uuid.NewString()
	}
	if opts.Sender == "" {
		opts.Sender = "executor"
	}

	states := make(map[string]*stageState, len(opts.Flow.Stages))
	for i := range opts.Flow.Stages {
		s := &opts.Flow.Stages[i]
		states[s.Name] = newStageState(s)
	}

	return &Executor{
		flow:     opts.Flow,
		registry: opts.Registry,
		pool:     opts.Pool,
		retryCfg: opts.Retry,
		run:      opts.Run,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		codec:    envelope.NewCodec(envelope.NewConversation(opts.ConversationID)),
		convID:   opts.ConversationID,
		sender:   opts.Sender,
		states:   states,
	}, nil
}

// Execute walks the DAG until every stage is terminal or the run context
// expires. Stage failures are recorded, not returned; the error return is
// reserved for infrastructure problems such as a manifest that cannot be
// written.
func (e *Executor) Execute(ctx context.Context, initial json.RawMessage) (*Result, error) {
	if e.executed {
		return nil, errors.New("executor already ran")
	}
	e.executed = true
	e.initial = initial

	for {
		if ctx.Err() != nil {
			if err := e.cancelRemaining(ctx.Err()); err != nil {
				return nil, err
			}
			break
		}

		st := e.nextReady()
		if st == nil {
			cancelled, err := e.cancelUnreachable()
			if err != nil {
				return nil, err
			}
			if cancelled {
				continue
			}
			break
		}

		if err := e.runStage(ctx, st); err != nil {
			return nil, err
		}
	}

	return e.result(ctx), nil
}

// nextReady returns the first stage in declaration order whose upstreams all
// succeeded. Declaration order breaks ties between independently ready
// stages, so the walk is deterministic.
func (e *Executor) nextReady() *stageState {
	for i := range e.flow.Stages {
		st := e.states[e.flow.Stages[i].Name]
		if st.outcome != manifest.OutcomePending {
			continue
		}
		ready := true
		for _, dep := range st.stage.DependsOn {
			if e.states[dep].outcome != manifest.OutcomeSucceeded {
				ready = false
				break
			}
		}
		if ready {
			return st
		}
	}
	return nil
}

// cancelUnreachable cancels every pending stage that lost an upstream to
// failure or cancellation. Reports whether anything changed.
func (e *Executor) cancelUnreachable() (bool, error) {
	cancelled := false
	for i := range e.flow.Stages {
		st := e.states[e.flow.Stages[i].Name]
		if st.outcome != manifest.OutcomePending {
			continue
		}
		for _, dep := range st.stage.DependsOn {
			up := e.states[dep].outcome
			if up == manifest.OutcomeFailed || up == manifest.OutcomeCancelled {
				if err := e.cancelStage(st, fmt.Sprintf("upstream %s %s", dep, up), ""); err != nil {
					return false, err
				}
				cancelled = true
				break
			}
		}
	}
	return cancelled, nil
}

// cancelRemaining cancels everything not yet terminal, typically because the
// run deadline elapsed.
func (e *Executor) cancelRemaining(cause error) error {
	reason := "run cancelled"
	class := fault.Class("")
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = fault.ErrRunTimeout.Error()
		class = fault.ClassRunTimeout
	}
	for i := range e.flow.Stages {
		st := e.states[e.flow.Stages[i].Name]
		if st.outcome.Terminal() {
			continue
		}
		if err := e.cancelStage(st, reason, class); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) cancelStage(st *stageState, reason string, class fault.Class) error {
	if err := st.to(manifest.OutcomeCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	if st.rec.StartedAt != nil {
		st.rec.CompletedAt = &now
	}
	st.rec.LastError = reason
	st.rec.ErrorClass = class
	e.logger.Info("stage cancelled", "stage", st.stage.Name, "reason", reason)
	if err := e.run.RecordStage(st.rec); err != nil {
		return err
	}
	e.finished(st)
	return nil
}

func (e *Executor) runStage(ctx context.Context, st *stageState) error {
	if err := st.to(manifest.OutcomeRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.rec.StartedAt = &now
	if err := e.run.RecordStage(st.rec); err != nil {
		return err
	}
	e.logger.Info("stage started", "stage", st.stage.Name, "kind", st.stage.Kind.String(), "task", st.stage.Task)
	if e.hooks.StageStarted != nil {
		e.hooks.StageStarted(st.stage.Name, st.stage.Kind.String(), st.stage.Task)
	}

	switch st.stage.Kind {
	case flow.KindSequential:
		return e.runSequential(ctx, st)
	case flow.KindFanOut:
		return e.runFanOut(ctx, st)
	case flow.KindFanIn:
		return e.runFanIn(st)
	default:
		return fmt.Errorf("stage %s: unhandled kind %q", st.stage.Name, st.stage.Kind)
	}
}

// runSequential drives one task invocation to success, retrying transient
// failures per policy until the budget runs out.
func (e *Executor) runSequential(ctx context.Context, st *stageState) error {
	input, err := e.inputFor(st)
	if err != nil {
		return e.failStage(st, err)
	}

	pol := e.policyFor(st.stage)
	timeout := st.stage.TimeoutDuration()

	var lastErr error
	for attempt := 1; attempt <= pol.MaxAttempts(); attempt++ {
		if ctx.Err() != nil {
			return e.cancelStage(st, fault.ErrRunTimeout.Error(), fault.ClassRunTimeout)
		}

		out, attErr := e.attempt(ctx, st, attempt, input, timeout)
		if attErr == nil {
			return e.succeedStage(st, out)
		}
		lastErr = attErr

		// The attempt may have died with the run, not on its own.
		if ctx.Err() != nil {
			return e.cancelStage(st, fault.ErrRunTimeout.Error(), fault.ClassRunTimeout)
		}

		delay, ok := pol.Next(attempt, attErr)
		if !ok {
			break
		}
		e.logger.Warn("stage attempt failed, retrying",
			"stage", st.stage.Name,
			"attempt", attempt,
			"delay", delay.Round(time.Millisecond).String(),
			"error", attErr)
		select {
		case <-ctx.Done():
			return e.cancelStage(st, fault.ErrRunTimeout.Error(), fault.ClassRunTimeout)
		case <-time.After(delay):
		}
	}

	return e.failStage(st, lastErr)
}

// attempt runs one task invocation wrapped in envelopes: a REQUEST going in,
// a RESPONSE or ERROR coming back, both checked by the codec.
func (e *Executor) attempt(ctx context.Context, st *stageState, attempt int, input json.RawMessage, timeout time.Duration) (*task.Outcome, error) {
	started := time.Now().UTC()
	out, err := e.invoke(ctx, st.stage.Task, input, timeout)
	completed := time.Now().UTC()

	att := manifest.Attempt{Number: attempt, StartedAt: started, CompletedAt: &completed}
	if err != nil {
		att.Error = err.Error()
		att.ErrorClass = fault.Classify(err)
	}
	st.rec.Attempts = append(st.rec.Attempts, att)
	st.rec.AttemptCount = attempt
	if recErr := e.run.RecordStage(st.rec); recErr != nil {
		return nil, recErr
	}
	if e.hooks.AttemptDone != nil {
		e.hooks.AttemptDone(st.stage.Name, attempt, err)
	}
	return out, err
}

// invoke sends one REQUEST through the codec, runs the task, and encodes the
// reply. A reply the codec rejects is a schema violation and fails the
// attempt permanently.
func (e *Executor) invoke(ctx context.Context, taskName string, input json.RawMessage, timeout time.Duration) (*task.Outcome, error) {
	req, err := envelope.NewRequest(e.convID, e.sender, taskName, taskName, input)
	if err != nil {
		return nil, err
	}
	if _, err := e.codec.Encode(req); err != nil {
		return nil, err
	}

	out, err := e.registry.Invoke(ctx, taskName, req.Payload, timeout)
	if err != nil {
		errEnv := envelope.NewError(req, string(fault.Classify(err)), err)
		if _, encErr := e.codec.Encode(errEnv); encErr != nil {
			e.logger.Warn("error envelope rejected", "task", taskName, "error", encErr)
		}
		return nil, err
	}

	if out == nil {
		out = &task.Outcome{}
	}
	if out.Status == "" {
		out.Status = envelope.StatusSuccess
	}
	resp, err := envelope.NewResponse(req, out.Status, out.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := e.codec.Encode(resp); err != nil {
		return nil, err
	}
	return out, nil
}

// runFanOut partitions the upstream artifact into at most pool-width
// contiguous chunks and runs the task once per chunk on the pool. Chunk
// failures are recorded but never fail the stage; the paired fan-in decides
// what a partial result means.
func (e *Executor) runFanOut(ctx context.Context, st *stageState) error {
	input, err := e.inputFor(st)
	if err != nil {
		return e.failStage(st, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(input, &items); err != nil {
		return e.failStage(st, fault.SchemaViolation("payload", "fan-out input must be a JSON array: "+err.Error()))
	}

	if len(items) == 0 {
		st.chunks = nil
		st.status = envelope.StatusSuccess
		return e.succeedStage(st, &task.Outcome{Status: envelope.StatusSuccess})
	}

	chunkCount := min(e.pool.Width(), len(items))
	pol := e.policyFor(st.stage)
	timeout := st.stage.TimeoutDuration()

	st.chunks = make([]chunkResult, chunkCount)
	for i := range st.chunks {
		st.chunks[i] = chunkResult{index: i}
	}

	handles := make([]*pool.Handle, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		lo := i * len(items) / chunkCount
		hi := (i + 1) * len(items) / chunkCount
		payload, merr := json.Marshal(items[lo:hi])
		if merr != nil {
			return e.failStage(st, fault.Permanentf("marshal chunk %d: %v", i, merr))
		}

		idx := i
		h, serr := e.pool.Submit(ctx, func(cctx context.Context) (any, error) {
			return e.runChunk(cctx, st.stage.Name, st.stage.Task, idx, payload, pol, timeout)
		})
		if serr != nil {
			// Run cancelled while waiting for a slot. Chunks never
			// submitted are cancelled; submitted ones notice the same
			// cancellation themselves.
			for j := i; j < chunkCount; j++ {
				st.chunks[j] = chunkResult{index: j, settled: true, canceled: true, err: serr}
			}
			break
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		v, aerr := h.Await(context.Background(), 0)
		cr := chunkResult{index: i, settled: true, err: aerr}
		if out, ok := v.(*chunkOut); ok && out != nil {
			cr.payload = out.payload
			cr.attempts = out.attempts
			cr.canceled = out.canceled
		}
		st.chunks[i] = cr

		e.recordChunks(st)
		if err := e.run.RecordStage(st.rec); err != nil {
			return err
		}
	}

	e.recordChunks(st)
	if ctx.Err() != nil {
		return e.cancelStage(st, fault.ErrRunTimeout.Error(), fault.ClassRunTimeout)
	}

	st.status = envelope.StatusSuccess
	for _, cr := range st.chunks {
		if cr.err != nil {
			st.status = envelope.StatusPartial
			break
		}
	}
	return e.succeedStage(st, &task.Outcome{Status: st.status})
}

// chunkOut is what one pool unit returns for its chunk.
type chunkOut struct {
	payload  json.RawMessage
	attempts int
	canceled bool
}

// runChunk is the per-chunk attempt loop. It runs inside a pool slot, so
// backoff sleeps hold the slot; with chunk count bounded by pool width this
// never starves other chunks of the same stage.
func (e *Executor) runChunk(ctx context.Context, stage, taskName string, idx int, payload json.RawMessage, pol *retry.Policy, timeout time.Duration) (*chunkOut, error) {
	var lastErr error
	for attempt := 1; attempt <= pol.MaxAttempts(); attempt++ {
		if ctx.Err() != nil {
			return &chunkOut{attempts: attempt - 1, canceled: true}, ctx.Err()
		}

		out, err := e.invoke(ctx, taskName, payload, timeout)
		if e.hooks.AttemptDone != nil {
			e.hooks.AttemptDone(stage, attempt, err)
		}
		if err == nil {
			return &chunkOut{payload: out.Payload, attempts: attempt}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return &chunkOut{attempts: attempt, canceled: true}, ctx.Err()
		}

		delay, ok := pol.Next(attempt, err)
		if !ok {
			return &chunkOut{attempts: attempt}, lastErr
		}
		e.logger.Warn("chunk attempt failed, retrying",
			"stage", stage,
			"chunk", idx,
			"attempt", attempt,
			"delay", delay.Round(time.Millisecond).String(),
			"error", err)
		select {
		case <-ctx.Done():
			return &chunkOut{attempts: attempt, canceled: true}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return &chunkOut{attempts: pol.MaxAttempts()}, lastErr
}

// recordChunks refreshes the manifest chunk entries from current state.
func (e *Executor) recordChunks(st *stageState) {
	chunks := make([]manifest.Chunk, len(st.chunks))
	maxAttempts := 0
	for i, cr := range st.chunks {
		c := manifest.Chunk{Index: cr.index, Attempts: cr.attempts}
		switch {
		case !cr.settled:
			c.Outcome = manifest.OutcomeRunning
		case cr.err == nil:
			c.Outcome = manifest.OutcomeSucceeded
		case cr.canceled:
			c.Outcome = manifest.OutcomeCancelled
			c.Error = cr.err.Error()
			c.ErrorClass = fault.Classify(cr.err)
		default:
			c.Outcome = manifest.OutcomeFailed
			c.Error = cr.err.Error()
			c.ErrorClass = fault.Classify(cr.err)
		}
		chunks[i] = c
		if cr.attempts > maxAttempts {
			maxAttempts = cr.attempts
		}
	}
	st.rec.Chunks = chunks
	st.rec.AttemptCount = maxAttempts
}

// runFanIn reassembles the successful chunk outputs of the paired fan-out in
// original partition order. Chunk failures degrade the result to partial but
// never fail the stage, so downstream work still runs on what survived.
func (e *Executor) runFanIn(st *stageState) error {
	up := e.states[st.stage.DependsOn[0]]

	merged := make([]json.RawMessage, 0)
	failed := 0
	for _, cr := range up.chunks {
		if cr.err != nil {
			failed++
			continue
		}
		if len(cr.payload) == 0 {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(cr.payload, &elems); err == nil {
			merged = append(merged, elems...)
		} else {
			merged = append(merged, cr.payload)
		}
	}

	artifact, err := json.Marshal(merged)
	if err != nil {
		return e.failStage(st, fault.Permanentf("marshal fan-in result: %v", err))
	}

	status := envelope.StatusSuccess
	if failed > 0 {
		status = envelope.StatusPartial
	}
	st.status = status
	e.logger.Info("fan-in aggregated",
		"stage", st.stage.Name,
		"elements", len(merged),
		"failed_chunks", failed)
	return e.succeedStage(st, &task.Outcome{Status: status, Payload: artifact})
}

func (e *Executor) succeedStage(st *stageState, out *task.Outcome) error {
	if err := st.to(manifest.OutcomeSucceeded); err != nil {
		return err
	}
	st.artifact = out.Payload
	if out.Status != "" {
		st.status = out.Status
	} else if st.status == "" {
		st.status = envelope.StatusSuccess
	}

	now := time.Now().UTC()
	st.rec.CompletedAt = &now
	st.rec.Artifacts = out.Artifacts
	if err := e.run.RecordStage(st.rec); err != nil {
		return err
	}
	for i, loc := range out.Artifacts {
		name := st.stage.Name
		if len(out.Artifacts) > 1 {
			name = fmt.Sprintf("%s.%d", st.stage.Name, i)
		}
		if err := e.run.SetArtifact(name, loc); err != nil {
			return err
		}
	}

	e.logger.Info("stage succeeded",
		"stage", st.stage.Name,
		"attempts", st.rec.AttemptCount,
		"status", st.status.String())
	e.finished(st)
	return nil
}

func (e *Executor) failStage(st *stageState, cause error) error {
	if err := st.to(manifest.OutcomeFailed); err != nil {
		return err
	}
	st.err = cause

	now := time.Now().UTC()
	st.rec.CompletedAt = &now
	st.rec.LastError = cause.Error()
	st.rec.ErrorClass = fault.Classify(cause)
	if err := e.run.RecordStage(st.rec); err != nil {
		return err
	}

	e.logger.Error("stage failed",
		"stage", st.stage.Name,
		"attempts", st.rec.AttemptCount,
		"class", string(st.rec.ErrorClass),
		"error", cause)
	e.finished(st)
	return nil
}

func (e *Executor) finished(st *stageState) {
	if e.hooks.StageFinished != nil {
		e.hooks.StageFinished(st.rec)
	}
}

// inputFor assembles a stage's input payload: the run input for root stages,
// the upstream artifact when there is exactly one, or an object keyed by
// upstream name otherwise. The stage's select and limit declarations are
// applied to whatever that yields.
func (e *Executor) inputFor(st *stageState) (json.RawMessage, error) {
	var input json.RawMessage
	deps := st.stage.DependsOn
	switch len(deps) {
	case 0:
		input = e.initial
	case 1:
		input = e.states[deps[0]].artifact
	default:
		inputs := make(map[string]json.RawMessage, len(deps))
		for _, dep := range deps {
			inputs[dep] = e.states[dep].artifact
		}
		raw, err := json.Marshal(inputs)
		if err != nil {
			return nil, fault.Permanentf("assemble input for stage %s: %v", st.stage.Name, err)
		}
		input = raw
	}
	return shapeInput(st.stage, input)
}

// shapeInput narrows a stage input per its flow declaration: select pulls
// one key out of an object artifact, limit truncates an array input.
func shapeInput(st *flow.Stage, input json.RawMessage) (json.RawMessage, error) {
	if st.Select != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(input, &obj); err != nil {
			return nil, fault.SchemaViolation("select", fmt.Sprintf("stage %s selects %q from a non-object input: %v", st.Name, st.Select, err))
		}
		val, ok := obj[st.Select]
		if !ok {
			return nil, fault.SchemaViolation("select", fmt.Sprintf("stage %s: input has no key %q", st.Name, st.Select))
		}
		input = val
	}
	if st.Limit > 0 {
		var items []json.RawMessage
		if err := json.Unmarshal(input, &items); err != nil {
			return nil, fault.SchemaViolation("limit", fmt.Sprintf("stage %s limits a non-array input: %v", st.Name, err))
		}
		if len(items) > st.Limit {
			limited, err := json.Marshal(items[:st.Limit])
			if err != nil {
				return nil, fault.Permanentf("marshal limited input for stage %s: %v", st.Name, err)
			}
			input = limited
		}
	}
	return input, nil
}

func (e *Executor) policyFor(s *flow.Stage) *retry.Policy {
	cfg := e.retryCfg
	if s.Retry != nil && s.Retry.MaxAttempts > 0 {
		cfg.MaxAttempts = s.Retry.MaxAttempts
	}
	return retry.NewPolicy(cfg)
}

// result derives the walk summary from final stage states.
func (e *Executor) result(ctx context.Context) *Result {
	res := &Result{}

	terminal := e.states[e.flow.Terminal()]
	if terminal.outcome == manifest.OutcomeSucceeded {
		res.Reached = true
		res.Artifact = terminal.artifact
		res.Status = terminal.status
		if res.Status == "" {
			res.Status = envelope.StatusSuccess
		}
	}

	for i := range e.flow.Stages {
		st := e.states[e.flow.Stages[i].Name]
		if st.status == envelope.StatusPartial {
			res.Partial = true
		}
		for _, cr := range st.chunks {
			if cr.err != nil {
				res.Partial = true
			}
		}
		if st.outcome == manifest.OutcomeFailed && res.FailedStage == "" {
			res.FailedStage = st.stage.Name
			res.Err = st.err
		}
	}

	if !res.Reached && res.Err == nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Err = fault.ErrRunTimeout
		case ctx.Err() != nil:
			res.Err = ctx.Err()
		}
	}
	return res
}
