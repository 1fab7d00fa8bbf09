// Package actor turns explained anomalies into external actions: tickets
// for severe or review-flagged findings, alert emails for the rest worth a
// look. Every side effect consults the idempotency guard first, so retried
// stages and overlapping runs never file the same ticket twice.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yash-Kakadiya/salesops-suite/agents/explainer"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/idempotency"
	"github.com/Yash-Kakadiya/salesops-suite/observability"
	"github.com/Yash-Kakadiya/salesops-suite/retry"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// TaskName is the registry name the built-in flows bind this agent to.
const TaskName = "act.execute"

// Action types understood by the ticketing collaborator.
const (
	TypeCreateTicket = "create_ticket"
	TypeSendEmail    = "send_email"
)

const (
	alertRecipient = "manager@company.com"

	// Decision thresholds on the anomaly score.
	ticketScore = 3.0
	emailScore  = 1.5

	maxResponseSize = 1 << 20
)

// emailPattern matches addresses in outbound free text.
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Config shapes the actor's collaborator access.
type Config struct {
	// APIBase is the ticketing/email service root, e.g. http://localhost:7777.
	APIBase string
	Timeout time.Duration

	// DryRun decides actions and reserves their keys without any HTTP call.
	DryRun bool
}

// TicketPayload is the body of a create_ticket call.
type TicketPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AnomalyID   string `json:"anomaly_id"`
	Assignee    string `json:"assignee"`
}

// EmailPayload is the body of a send_email call.
type EmailPayload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Action is one decided side effect, ready to execute.
type Action struct {
	ActionID       string          `json:"action_id"`
	AnomalyID      string          `json:"anomaly_id"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Result records what happened to one action.
type Result struct {
	ActionID  string          `json:"action_id"`
	AnomalyID string          `json:"anomaly_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	HTTPCode  int             `json:"http_code,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	LatencyMS float64         `json:"latency_ms,omitempty"`
	Replayed  bool            `json:"replayed,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Summary is the act stage's outcome payload.
type Summary struct {
	Planned    int      `json:"planned"`
	Executed   int      `json:"executed"`
	Duplicates int      `json:"duplicates"`
	DryRun     bool     `json:"dry_run"`
	Results    []Result `json:"results"`
}

// Agent implements the act.execute task.
type Agent struct {
	cfg       Config
	guard     *idempotency.Guard
	client    *http.Client
	outputDir string
	logger    *slog.Logger

	auditMu sync.Mutex
}

// New builds an actor over the given guard. outputDir receives the
// actions.json artifact and the actions.jsonl audit log.
func New(cfg Config, guard *idempotency.Guard, outputDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		guard:     guard,
		client:    &http.Client{Timeout: cfg.Timeout},
		outputDir: outputDir,
		logger:    logger.With("component", "actor"),
	}
}

// Execute implements task.Handler. The payload is the merged array of
// explained anomalies. Actions run in decision order; the first hard
// failure aborts the stage, leaving committed results behind so a retry
// replays them instead of repeating the side effects.
func (a *Agent) Execute(ctx context.Context, payload json.RawMessage) (*task.Outcome, error) {
	var records []explainer.Explained
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fault.SchemaViolation("payload", fmt.Sprintf("decode explained anomalies: %v", err))
	}

	summary := Summary{DryRun: a.cfg.DryRun, Results: make([]Result, 0)}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, act := range planActions(&records[i]) {
			summary.Planned++
			res, err := a.perform(ctx, &act)
			if err != nil {
				a.logger.Error("action failed",
					"action_id", act.ActionID, "anomaly_id", act.AnomalyID,
					"type", act.Type, "error", err)
				return nil, err
			}
			switch {
			case res.Replayed:
				summary.Duplicates++
			default:
				summary.Executed++
			}
			summary.Results = append(summary.Results, *res)
		}
	}

	outcome, err := task.Success(summary)
	if err != nil {
		return nil, err
	}
	if path, werr := a.writeSummary(&summary); werr != nil {
		a.logger.Error("failed to write action summary", "error", werr)
	} else if path != "" {
		outcome.Artifacts = append(outcome.Artifacts, path)
	}

	a.logger.Info("actions complete",
		"planned", summary.Planned, "executed", summary.Executed,
		"duplicates", summary.Duplicates, "dry_run", summary.DryRun)
	return outcome, nil
}

// planActions applies the decision rules to one explained anomaly. A severe
// high-confidence anomaly earns a ticket, otherwise a notable score earns an
// email; a human-review flag adds a triage ticket on top of either.
func planActions(rec *explainer.Explained) []Action {
	var actions []Action
	switch {
	case rec.Score > ticketScore && rec.Confidence == "High":
		actions = append(actions, newAction(rec.AnomalyID, TypeCreateTicket, "High", TicketPayload{
			Title:       "Investigate: " + rec.AnomalyID,
			Description: redactEmails(rec.ExplanationFull),
			Priority:    "High",
			AnomalyID:   rec.AnomalyID,
			Assignee:    "SRE-Team",
		}))
	case rec.Score > emailScore:
		actions = append(actions, newAction(rec.AnomalyID, TypeSendEmail, "Medium", EmailPayload{
			Recipient: alertRecipient,
			Subject:   "Alert: " + rec.AnomalyID,
			Body:      redactEmails(rec.ExplanationShort),
		}))
	}

	if rec.NeedsHumanReview {
		actions = append(actions, newAction(rec.AnomalyID, TypeCreateTicket, "Low", TicketPayload{
			Title:       "Review: " + rec.AnomalyID,
			Description: "AI flagged for review.",
			Priority:    "Low",
			AnomalyID:   rec.AnomalyID,
			Assignee:    "Triage-Queue",
		}))
	}
	return actions
}

// newAction stamps identity and fingerprint onto a decided action. The
// priority joins the fingerprint so an investigation ticket and a triage
// ticket for the same anomaly stay distinct side effects.
func newAction(anomalyID, actionType, priority string, payload any) Action {
	body, _ := json.Marshal(payload)
	return Action{
		ActionID:       uuid.NewString(),
		AnomalyID:      anomalyID,
		Type:           actionType,
		Priority:       priority,
		IdempotencyKey: idempotency.Key(anomalyID, actionType, priority),
		Payload:        body,
	}
}

// redactEmails masks addresses before text leaves the process.
func redactEmails(text string) string {
	return emailPattern.ReplaceAllString(text, "[REDACTED_EMAIL]")
}

// perform runs one action through the guard and, unless dry-run, the HTTP
// collaborator.
func (a *Agent) perform(ctx context.Context, act *Action) (*Result, error) {
	resv, stored, err := a.guard.CheckAndReserve(ctx, act.IdempotencyKey)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("reserve action %s: %w", act.ActionID, err))
	}

	if resv == idempotency.Duplicate {
		res := Result{
			ActionID:  act.ActionID,
			AnomalyID: act.AnomalyID,
			Type:      act.Type,
			Status:    "success",
			Replayed:  true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		var prior Result
		if json.Unmarshal(stored, &prior) == nil {
			res.Status = prior.Status
			res.HTTPCode = prior.HTTPCode
			res.Response = prior.Response
		}
		a.logger.Info("action replayed from guard",
			"anomaly_id", act.AnomalyID, "type", act.Type, "key", act.IdempotencyKey)
		observability.ActionsTotal.WithLabelValues(act.Type, "duplicate").Inc()
		a.audit(act, &res, nil)
		return &res, nil
	}

	res, err := a.run(ctx, act)
	if err != nil {
		a.guard.Release(act.IdempotencyKey)
		observability.ActionsTotal.WithLabelValues(act.Type, "error").Inc()
		a.audit(act, nil, err)
		return nil, err
	}

	committed, merr := json.Marshal(res)
	if merr != nil {
		a.guard.Release(act.IdempotencyKey)
		return nil, fault.Permanentf("encode action result: %v", merr)
	}
	if cerr := a.guard.Commit(ctx, act.IdempotencyKey, committed); cerr != nil {
		a.guard.Release(act.IdempotencyKey)
		return nil, fault.Transient(fmt.Errorf("commit action %s: %w", act.ActionID, cerr))
	}

	observability.ActionsTotal.WithLabelValues(act.Type, res.Status).Inc()
	a.audit(act, res, nil)
	return res, nil
}

// run executes the reserved action. Dry-run short-circuits before HTTP.
func (a *Agent) run(ctx context.Context, act *Action) (*Result, error) {
	res := Result{
		ActionID:  act.ActionID,
		AnomalyID: act.AnomalyID,
		Type:      act.Type,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if a.cfg.DryRun {
		res.Status = "dry_run"
		a.logger.Info("dry run, action recorded without call",
			"anomaly_id", act.AnomalyID, "type", act.Type)
		return &res, nil
	}

	endpoint := "/tickets"
	if act.Type == TypeSendEmail {
		endpoint = "/emails/send"
	}
	url := strings.TrimSuffix(a.cfg.APIBase, "/") + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(act.Payload))
	if err != nil {
		return nil, fault.Permanentf("create %s request: %v", act.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", act.IdempotencyKey)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("call %s: %w", url, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("read %s response: %w", act.Type, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(act.Type, resp.StatusCode, resp.Header, body)
	}

	res.Status = "success"
	res.HTTPCode = resp.StatusCode
	res.Response = json.RawMessage(body)
	res.LatencyMS = round2(float64(time.Since(start).Microseconds()) / 1000)
	res.Replayed = resp.Header.Get("X-Idempotent-Replay") == "true"

	a.logger.Info("action executed",
		"anomaly_id", act.AnomalyID, "type", act.Type,
		"http_code", res.HTTPCode, "latency_ms", res.LatencyMS)
	return &res, nil
}

// classifyStatus maps a non-2xx collaborator response to a fault class.
// Rate limits carry the server's Retry-After as a backoff hint.
func classifyStatus(actionType string, code int, header http.Header, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	err := fmt.Errorf("%s rejected (status %d): %s", actionType, code, snippet)

	switch {
	case code == http.StatusTooManyRequests:
		terr := fault.Transient(err)
		if secs := header.Get("Retry-After"); secs != "" {
			if d, perr := time.ParseDuration(secs + "s"); perr == nil && d > 0 {
				return retry.After(terr, d)
			}
		}
		return terr
	case code >= 500:
		return fault.Transient(err)
	default:
		return fault.Permanent(err)
	}
}

// writeSummary persists the decided actions as the stage artifact.
func (a *Agent) writeSummary(summary *Summary) (string, error) {
	if a.outputDir == "" {
		return "", nil
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode action summary: %w", err)
	}
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(a.outputDir, "actions.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write action summary: %w", err)
	}
	return path, nil
}

// auditEntry is one line of actions.jsonl.
type auditEntry struct {
	Timestamp      string  `json:"timestamp"`
	ActionID       string  `json:"action_id"`
	AnomalyID      string  `json:"anomaly_id"`
	Type           string  `json:"type"`
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status"`
	HTTPCode       int     `json:"http_code,omitempty"`
	LatencyMS      float64 `json:"latency_ms,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// audit appends one line per attempted action. Failures to audit are
// logged, never propagated.
func (a *Agent) audit(act *Action, res *Result, actErr error) {
	if a.outputDir == "" {
		return
	}
	a.auditMu.Lock()
	defer a.auditMu.Unlock()

	entry := auditEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		ActionID:       act.ActionID,
		AnomalyID:      act.AnomalyID,
		Type:           act.Type,
		IdempotencyKey: act.IdempotencyKey,
	}
	switch {
	case actErr != nil:
		entry.Status = "FAILED"
		entry.Error = actErr.Error()
	case res.Replayed:
		entry.Status = "DUPLICATE"
	default:
		entry.Status = strings.ToUpper(res.Status)
		entry.HTTPCode = res.HTTPCode
		entry.LatencyMS = res.LatencyMS
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		a.logger.Error("audit write failed", "error", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(a.outputDir, "actions.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		a.logger.Error("audit write failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Error("audit write failed", "error", err)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
