// Package explainer turns detected anomalies into structured explanations.
// Two modes: a deterministic mock for dry runs and tests, and an
// OpenAI-compatible chat-completions client for real model calls. A circuit
// breaker shared across the run's chunks stops hammering a dead endpoint
// after repeated consecutive failures.
package explainer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Yash-Kakadiya/salesops-suite/agents/detector"
	"github.com/Yash-Kakadiya/salesops-suite/fault"
	"github.com/Yash-Kakadiya/salesops-suite/observability"
	"github.com/Yash-Kakadiya/salesops-suite/retry"
	"github.com/Yash-Kakadiya/salesops-suite/task"
)

// TaskName is the registry name the built-in flows bind this agent to.
const TaskName = "explain.anomaly"

const (
	// DefaultFailureThreshold is how many consecutive model failures trip
	// the circuit breaker.
	DefaultFailureThreshold = 5

	explanationVersion = "1.1"
	maxPromptChars     = 7777
	maxContextChars    = 2000

	// maxResponseSize limits the model response body to prevent memory
	// exhaustion.
	maxResponseSize = 10 * 1024 * 1024
)

// requiredKeys must all be present in the model's JSON response.
var requiredKeys = []string{
	"explanation_short",
	"explanation_full",
	"suggested_actions",
	"confidence",
	"needs_human_review",
}

// Config shapes the explainer's model access.
type Config struct {
	Model            string
	Endpoint         string
	Temperature      float64
	Timeout          time.Duration
	FailureThreshold int

	// MockMode returns canned explanations without any HTTP call.
	MockMode bool
}

// Explanation is the model's structured judgment of one anomaly.
type Explanation struct {
	ExplanationShort string   `json:"explanation_short"`
	ExplanationFull  string   `json:"explanation_full"`
	SuggestedActions []string `json:"suggested_actions"`
	Confidence       string   `json:"confidence"`
	NeedsHumanReview bool     `json:"needs_human_review"`
}

// Meta records how an explanation was produced.
type Meta struct {
	Model     string `json:"model"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Explained is an anomaly enriched with its explanation.
type Explained struct {
	detector.Anomaly
	Explanation
	Meta Meta `json:"meta"`
}

// Agent implements the explain.anomaly task.
type Agent struct {
	cfg       Config
	client    *http.Client
	outputDir string
	tracer    *observability.Tracer
	logger    *slog.Logger

	// The breaker is shared by every chunk of the run; its state only
	// moves from closed to open.
	mu       sync.Mutex
	failures int
	open     bool

	auditMu sync.Mutex
}

// New builds an explainer. outputDir receives the llm_calls.jsonl audit log
// and raw response files; empty disables both. A nil tracer skips spans.
func New(cfg Config, outputDir string, tracer *observability.Tracer, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		outputDir: outputDir,
		tracer:    tracer,
		logger:    logger.With("component", "explainer"),
	}
}

// Execute implements task.Handler. The payload is one fan-out chunk: a JSON
// array of anomaly records. Records are explained in order; the first
// failure aborts the chunk so the stage retry policy owns re-attempts.
func (a *Agent) Execute(ctx context.Context, payload json.RawMessage) (*task.Outcome, error) {
	var anomalies []detector.Anomaly
	if err := json.Unmarshal(payload, &anomalies); err != nil {
		return nil, fault.SchemaViolation("payload", fmt.Sprintf("decode anomaly chunk: %v", err))
	}

	explained := make([]Explained, 0, len(anomalies))
	for i := range anomalies {
		rec := &anomalies[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.breakerOpen() {
			return nil, fault.Transientf("circuit breaker open, refusing model call for %s", rec.AnomalyID)
		}

		exp, latency, err := a.explain(ctx, rec)
		if err != nil {
			a.recordFailure()
			a.logger.Error("explanation failed", "anomaly_id", rec.AnomalyID, "error", err)
			return nil, err
		}
		a.recordSuccess()

		explained = append(explained, Explained{
			Anomaly:     *rec,
			Explanation: *exp,
			Meta: Meta{
				Model:     a.cfg.Model,
				LatencyMS: latency.Milliseconds(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Version:   explanationVersion,
			},
		})
	}

	return task.Success(explained)
}

// explain produces one explanation, traced and audited either way.
func (a *Agent) explain(ctx context.Context, rec *detector.Anomaly) (*Explanation, time.Duration, error) {
	prompt := a.buildPrompt(rec)

	callCtx, span := a.tracer.Start(ctx, "llm.call")
	var (
		exp     *Explanation
		latency time.Duration
		err     error
	)
	if a.cfg.MockMode {
		exp = mockExplanation()
	} else {
		exp, latency, err = a.callModel(callCtx, prompt)
	}
	span.End(err)

	a.audit(rec.AnomalyID, prompt, exp, latency, err)
	return exp, latency, err
}

func (a *Agent) breakerOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Agent) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	if !a.open && a.failures >= a.cfg.FailureThreshold {
		a.open = true
		a.logger.Error("circuit breaker tripped", "consecutive_failures", a.failures)
	}
}

func (a *Agent) recordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
}

// mockExplanation is the deterministic dry-run stand-in for a model call.
func mockExplanation() *Explanation {
	return &Explanation{
		ExplanationShort: "[DRY RUN]",
		ExplanationFull:  "Mock explanation.",
		SuggestedActions: []string{"Mock Action"},
		Confidence:       "High",
		NeedsHumanReview: false,
	}
}

// callModel performs one chat-completions round trip and validates the
// content into an Explanation.
func (a *Agent) callModel(ctx context.Context, prompt string) (*Explanation, time.Duration, error) {
	observability.LLMCallsTotal.WithLabelValues(a.cfg.Model, "attempt").Inc()

	start := time.Now()
	content, err := a.postChat(ctx, prompt)
	latency := time.Since(start)
	if err != nil {
		observability.LLMCallsTotal.WithLabelValues(a.cfg.Model, "error").Inc()
		return nil, latency, err
	}

	exp, err := parseExplanation(content)
	if err != nil {
		observability.LLMCallsTotal.WithLabelValues(a.cfg.Model, "error").Inc()
		return nil, latency, err
	}

	observability.LLMCallsTotal.WithLabelValues(a.cfg.Model, "success").Inc()
	observability.LLMLatency.WithLabelValues(a.cfg.Model).Observe(float64(latency.Milliseconds()))
	return exp, latency, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// postChat sends the prompt to the OpenAI-compatible endpoint and returns
// the first choice's content.
func (a *Agent) postChat(ctx context.Context, prompt string) (string, error) {
	temp := a.cfg.Temperature
	body, err := json.Marshal(chatRequest{
		Model:       a.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return "", fault.Permanentf("build completions request: %v", err)
	}

	url := buildURL(a.cfg.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fault.Permanentf("create completions request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	a.logger.Debug("sending model request", "url", url, "model", a.cfg.Model, "prompt_chars", len(prompt))

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fault.Transientf("call model endpoint: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fault.Transientf("read model response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, resp.Header, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fault.Transientf("parse completions response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fault.Transientf("no choices in completions response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// classifyStatus maps an HTTP error status to a fault class. Rate limits
// carry the server's Retry-After as a backoff hint.
func classifyStatus(code int, header http.Header, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	err := fmt.Errorf("model API error (status %d): %s", code, snippet)

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
		// 400, 401, 403 and the rest of 4xx are caller bugs or auth
		// problems; retrying cannot fix them.
		return fault.Permanent(err)
	}
}

// buildPrompt renders the analyst prompt for one anomaly record.
func (a *Agent) buildPrompt(rec *detector.Anomaly) string {
	entity := redactPII(rec.EntityID)
	printer := message.NewPrinter(language.English)

	keys := make([]string, 0, len(rec.Context))
	for k := range rec.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %.2f", k, rec.Context[k]))
	}
	contextStr := strings.Join(lines, "\n")
	if len(contextStr) > maxContextChars {
		contextStr = contextStr[:maxContextChars] + "...(truncated)"
	}

	prompt := fmt.Sprintf(promptTemplate,
		entity, rec.Level, rec.Metric,
		printer.Sprintf("%.2f", rec.Value),
		printer.Sprintf("%.2f", rec.Expected),
		rec.Score, contextStr)
	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}
	return strings.TrimSpace(prompt)
}

const promptTemplate = `You are a Senior SalesOps Analyst. Analyze this sales anomaly.

DATA CONTEXT:
- Entity: %s (%s)
- Metric: %s
- Value: %s
- Expected: %s
- Score: %.2f

STATISTICAL CONTEXT:
%s

OUTPUT FORMAT:
Return valid JSON with these exact keys:
{
    "explanation_short": "1 sentence summary",
    "explanation_full": "2-3 sentence detailed analysis",
    "suggested_actions": ["Action 1", "Action 2"],
    "confidence": "High/Medium/Low",
    "needs_human_review": boolean
}

CONSTRAINT:
- Rely ONLY on provided numbers.
- Do NOT invent external events.
- Output pure JSON (no markdown).`

// redactPII masks entity identifiers that look like customer references,
// email addresses, or long account numbers before they reach the prompt.
func redactPII(text string) string {
	if text == "" {
		return ""
	}
	longDigits := len(text) > 10 && isAllDigits(text)
	if strings.Contains(text, "CUST-") || strings.Contains(text, "@") || longDigits {
		sum := md5.Sum([]byte(text))
		return "REDACTED_" + hex.EncodeToString(sum[:])[:6]
	}
	return text
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Model responses wander between bare JSON and fenced markdown blocks.
var (
	jsonBlockPattern     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON pulls a JSON object out of a model response, tolerating
// markdown fences and trailing commas.
func extractJSON(content string) string {
	raw := ""
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return trailingCommaPattern.ReplaceAllString(raw, "$1")
}

// parseExplanation validates the response content against the schema
// contract. A malformed body is transient (the model may do better next
// attempt); a well-formed body missing required keys is permanent.
func parseExplanation(content string) (*Explanation, error) {
	text := extractJSON(content)
	if text == "" {
		return nil, fault.Transientf("model response carries no JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fault.Transientf("parse model response: %v", err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fault.SchemaViolation("response", "missing keys: "+strings.Join(missing, ","))
	}

	// Tolerate a bare string where the action list is expected.
	var single string
	if json.Unmarshal(fields["suggested_actions"], &single) == nil {
		wrapped, _ := json.Marshal([]string{single})
		fields["suggested_actions"] = wrapped
	}

	repacked, err := json.Marshal(fields)
	if err != nil {
		return nil, fault.Permanentf("repack model response: %v", err)
	}
	var exp Explanation
	if err := json.Unmarshal(repacked, &exp); err != nil {
		return nil, fault.SchemaViolation("response", fmt.Sprintf("decode explanation: %v", err))
	}
	return &exp, nil
}

// auditEntry is one line of llm_calls.jsonl.
type auditEntry struct {
	Timestamp  string `json:"timestamp"`
	AnomalyID  string `json:"anomaly_id"`
	PromptHash string `json:"prompt_hash"`
	Model      string `json:"model"`
	LatencyMS  int64  `json:"latency_ms"`
	Status     string `json:"status"`
	EstTokens  int    `json:"est_tokens"`
	Error      string `json:"error,omitempty"`
}

// audit persists the raw exchange and appends a call record. Audit failures
// are logged, never propagated; losing an audit line must not fail a run.
func (a *Agent) audit(anomalyID, prompt string, exp *Explanation, latency time.Duration, callErr error) {
	if a.outputDir == "" {
		return
	}
	a.auditMu.Lock()
	defer a.auditMu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sum := md5.Sum([]byte(prompt))
	hash := hex.EncodeToString(sum[:])

	raw := map[string]any{
		"id":        anomalyID,
		"timestamp": ts,
		"prompt":    prompt,
		"response":  exp,
	}
	if callErr != nil {
		raw["error"] = callErr.Error()
	}
	if data, err := json.MarshalIndent(raw, "", "  "); err == nil {
		dir := filepath.Join(a.outputDir, "responses")
		if err := os.MkdirAll(dir, 0755); err != nil {
			a.logger.Error("failed to create response directory", "error", err)
		} else if err := os.WriteFile(filepath.Join(dir, hash+".json"), data, 0644); err != nil {
			a.logger.Error("failed to save raw response", "error", err)
		}
	}

	status := "SUCCESS"
	if callErr != nil {
		status = "FAILED"
	}
	entry := auditEntry{
		Timestamp:  ts,
		AnomalyID:  anomalyID,
		PromptHash: hash,
		Model:      a.cfg.Model,
		LatencyMS:  latency.Milliseconds(),
		Status:     status,
		EstTokens:  len(prompt) / 4,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(a.outputDir, "llm_calls.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		a.logger.Error("audit write failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Error("audit write failed", "error", err)
	}
}

func buildURL(base string) string {
	if base == "" {
		base = "http://localhost:11434/v1"
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}
