package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixturesBaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "sales-analyst.json", `{"confidence":"High"}`)
	writeFixture(t, dir, "report-writer.json", `{"confidence":"Low"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixturesSequential(t *testing.T) {
	dir := t.TempDir()

	// A broken first answer and a valid second one, plus a base fallback.
	writeFixture(t, dir, "sales-analyst.1.json", `not json at all`)
	writeFixture(t, dir, "sales-analyst.2.json", `{"explanation_short":"second"}`)
	writeFixture(t, dir, "sales-analyst.json", `{"explanation_short":"fallback"}`)
	writeFixture(t, dir, "report-writer.json", `{"explanation_short":"report"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["sales-analyst"]
	if len(seq) != 3 {
		t.Fatalf("sales-analyst: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "not json") {
		t.Errorf("fixture[0] should be the malformed answer, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "second") {
		t.Errorf("fixture[1] should be the valid answer, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], "fallback") {
		t.Errorf("fixture[2] should be the base fallback, got: %s", seq[2])
	}

	if n := len(fixtures["report-writer"]); n != 1 {
		t.Fatalf("report-writer: expected 1 fixture, got %d", n)
	}
}

func TestLoadFixturesNumberedOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "sales-analyst.1.json", `one`)
	writeFixture(t, dir, "sales-analyst.2.json", `two`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if n := len(fixtures["sales-analyst"]); n != 2 {
		t.Fatalf("expected 2 fixtures, got %d", n)
	}
}

func TestLoadFixturesEmptyDir(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	fixtures := map[string][]string{
		"sales-analyst": {
			`first answer`,
			`second answer`,
		},
		"report-writer": {
			`report answer`,
		},
	}
	s := newServer(fixtures, nil)

	if got := doCompletion(t, s, "sales-analyst"); !strings.Contains(got, "first") {
		t.Errorf("call 1: expected first answer, got: %s", got)
	}
	if got := doCompletion(t, s, "sales-analyst"); !strings.Contains(got, "second") {
		t.Errorf("call 2: expected second answer, got: %s", got)
	}
	// Past the sequence the last entry repeats.
	if got := doCompletion(t, s, "sales-analyst"); !strings.Contains(got, "second") {
		t.Errorf("call 3: expected repeated last answer, got: %s", got)
	}
	if got := doCompletion(t, s, "report-writer"); !strings.Contains(got, "report") {
		t.Errorf("report-writer: expected its own fixture, got: %s", got)
	}
}

func TestSynthesizedAnswerCarriesRequiredKeys(t *testing.T) {
	s := newServer(nil, nil)

	body := strings.NewReader(`{
		"model": "llama3.1:8b",
		"messages": [{"role": "user", "content": "DATA CONTEXT:\n- Entity: store-7 (store)\n- Metric: total_revenue\n- Value: 120.00"}]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body: %s", w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatal("no choices in response")
	}
	content := resp.Choices[0].Message.Content

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		t.Fatalf("synthesized content is not JSON: %v\n%s", err, content)
	}
	for _, key := range []string{"explanation_short", "explanation_full", "suggested_actions", "confidence", "needs_human_review"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("synthesized content missing %q", key)
		}
	}
	if !strings.Contains(content, "total_revenue") {
		t.Errorf("expected the prompt's metric echoed back, got: %s", content)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fixtures := map[string][]string{
		"sales-analyst": {`one`},
		"report-writer": {`two`},
	}
	s := newServer(fixtures, nil)

	doCompletion(t, s, "sales-analyst")
	doCompletion(t, s, "sales-analyst")
	doCompletion(t, s, "report-writer")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["sales-analyst"] != 2 {
		t.Errorf("sales-analyst calls: expected 2, got %d", stats.CallsByModel["sales-analyst"])
	}
	if stats.CallsByModel["report-writer"] != 1 {
		t.Errorf("report-writer calls: expected 1, got %d", stats.CallsByModel["report-writer"])
	}
}

func TestStripMockPrefix(t *testing.T) {
	fixtures := map[string][]string{
		"sales-analyst": {`fixture answer`},
	}
	s := newServer(fixtures, nil)

	if got := doCompletion(t, s, "mock-sales-analyst"); !strings.Contains(got, "fixture answer") {
		t.Errorf("expected mock- prefix stripping to resolve the fixture, got: %s", got)
	}
}

func TestRequestCapture(t *testing.T) {
	s := newServer(map[string][]string{"sales-analyst": {`a`}}, nil)

	doCompletion(t, s, "sales-analyst")
	doCompletion(t, s, "sales-analyst")
	doCompletion(t, s, "report-writer") // synthesized, still captured

	req := httptest.NewRequest(http.MethodGet, "/requests?model=sales-analyst&call=2", nil)
	w := httptest.NewRecorder()
	s.handleRequests(w, req)

	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reqs := captured.RequestsByModel["sales-analyst"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request after filtering, got %d", len(reqs))
	}
	if reqs[0].CallIndex != 2 {
		t.Errorf("call_index: expected 2, got %d", reqs[0].CallIndex)
	}
	if _, ok := captured.RequestsByModel["report-writer"]; ok {
		t.Error("model filter should exclude report-writer")
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"sales-analyst.1.json", "sales-analyst", "1", true},
		{"sales-analyst.2.json", "sales-analyst", "2", true},
		{"sales-analyst.10.json", "sales-analyst", "10", true},
		{"sales-analyst.json", "", "", false},
		{"llama3.1.json", "llama3", "1", true},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.filename)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.filename, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.filename, matches[2], tt.wantNum)
			}
		} else if matches != nil {
			t.Errorf("%s: expected no match, got %v", tt.filename, matches)
		}
	}
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"analyze"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}
	return resp.Choices[0].Message.Content
}
