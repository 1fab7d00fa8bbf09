package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

func beginTestRun(t *testing.T, dir, runID string) *Run {
	t.Helper()
	w := NewWriter(dir)
	run, err := w.BeginRun(&Manifest{
		RunID:          runID,
		ConversationID: "cli-session-deadbeef",
		FlowID:         "salesops-pipeline",
	})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	return run
}

func TestBeginRunPersistsRunningManifest(t *testing.T) {
	dir := t.TempDir()
	run := beginTestRun(t, dir, "run_20260821T120000Z_abc123")

	got, err := Load(run.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunID != "run_20260821T120000Z_abc123" {
		t.Errorf("run_id = %q", got.RunID)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.StartTS.IsZero() {
		t.Error("start_ts not stamped")
	}
	if got.EndTS != nil {
		t.Error("end_ts set before finalize")
	}
}

func TestBeginRunRequiresRunID(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.BeginRun(&Manifest{}); err == nil {
		t.Fatal("expected error for missing run_id")
	}
}

func TestRecordStageUpsertsInOrder(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_order")

	stages := []string{"ingest", "detect", "explain"}
	for _, name := range stages {
		if err := run.RecordStage(StageRecord{Name: name, Outcome: OutcomeRunning}); err != nil {
			t.Fatalf("RecordStage(%s): %v", name, err)
		}
	}
	// Updating an earlier stage must not move it.
	if err := run.RecordStage(StageRecord{Name: "detect", Outcome: OutcomeSucceeded, AttemptCount: 2}); err != nil {
		t.Fatalf("update detect: %v", err)
	}

	got, err := Load(run.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Stages) != 3 {
		t.Fatalf("got %d stage records, want 3", len(got.Stages))
	}
	for i, name := range stages {
		if got.Stages[i].Name != name {
			t.Errorf("stage[%d] = %q, want %q", i, got.Stages[i].Name, name)
		}
	}
	if got.Stages[1].Outcome != OutcomeSucceeded || got.Stages[1].AttemptCount != 2 {
		t.Errorf("detect record not updated: %+v", got.Stages[1])
	}
}

func TestFinalizeStampsTerminalState(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_final")

	if err := run.Finalize(StatusPartiallyCompleted, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := Load(run.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != StatusPartiallyCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.EndTS == nil {
		t.Error("end_ts missing after finalize")
	}

	if err := run.RecordStage(StageRecord{Name: "late", Outcome: OutcomeRunning}); !errors.Is(err, ErrFinalized) {
		t.Errorf("RecordStage after finalize = %v, want ErrFinalized", err)
	}
	if err := run.SetArtifact("x", "y"); !errors.Is(err, ErrFinalized) {
		t.Errorf("SetArtifact after finalize = %v, want ErrFinalized", err)
	}
	if err := run.Finalize(StatusCompleted, nil); !errors.Is(err, ErrFinalized) {
		t.Errorf("second Finalize = %v, want ErrFinalized", err)
	}
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_nonterminal")
	if err := run.Finalize(StatusRunning, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestFinalizeRecordsRunError(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_err")

	cause := fault.Transientf("upstream flaked")
	if err := run.Finalize(StatusFailed, cause); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := Load(run.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Error != "upstream flaked" {
		t.Errorf("error = %q", got.Error)
	}
	if got.ErrorClass != fault.ClassTransient {
		t.Errorf("error_class = %q, want %q", got.ErrorClass, fault.ClassTransient)
	}
}

func TestFinalizeAppendsHistoryLine(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		run := beginTestRun(t, dir, fmt.Sprintf("run_hist_%d", i))
		if err := run.Finalize(StatusCompleted, nil); err != nil {
			t.Fatalf("Finalize run %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "runs.jsonl"))
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d history lines, want 3", len(lines))
	}
	for i, line := range lines {
		var m Manifest
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("history line %d does not parse: %v", i, err)
		}
		if m.RunID != fmt.Sprintf("run_hist_%d", i) {
			t.Errorf("line %d run_id = %q", i, m.RunID)
		}
		if m.Status != StatusCompleted {
			t.Errorf("line %d status = %q", i, m.Status)
		}
	}
}

func TestStaleHistoryLockIsRemoved(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "runs.jsonl.lock")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	run := beginTestRun(t, dir, "run_stale_lock")
	if err := run.Finalize(StatusCompleted, nil); err != nil {
		t.Fatalf("Finalize with stale lock present: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "runs.jsonl")); err != nil {
		t.Errorf("history not written: %v", err)
	}
}

func TestManifestAlwaysParsesUnderConcurrentRecords(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("stage-%d", n)
			for attempt := 1; attempt <= 5; attempt++ {
				rec := StageRecord{
					Name:         name,
					Outcome:      OutcomeRunning,
					AttemptCount: attempt,
				}
				if attempt == 5 {
					rec.Outcome = OutcomeSucceeded
				}
				if err := run.RecordStage(rec); err != nil {
					t.Errorf("RecordStage: %v", err)
					return
				}
			}
		}(i)
	}

	// Readers poll while writers churn; every observed file must parse.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			data, err := os.ReadFile(run.Path())
			if err != nil {
				continue
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				t.Errorf("observed unparseable manifest: %v", err)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	snap := run.Snapshot()
	if len(snap.Stages) != 8 {
		t.Fatalf("got %d stage records, want 8", len(snap.Stages))
	}
	for _, rec := range snap.Stages {
		if rec.Outcome != OutcomeSucceeded || rec.AttemptCount != 5 {
			t.Errorf("stage %s = %s attempts %d", rec.Name, rec.Outcome, rec.AttemptCount)
		}
	}
}

func TestSetArtifactVisibleInSnapshotAndFile(t *testing.T) {
	run := beginTestRun(t, t.TempDir(), "run_artifacts")

	if err := run.SetArtifact("anomalies", "observability/anomalies.json"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	snap := run.Snapshot()
	if snap.Artifacts["anomalies"] != "observability/anomalies.json" {
		t.Errorf("snapshot artifacts = %v", snap.Artifacts)
	}

	got, err := Load(run.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Artifacts["anomalies"] != "observability/anomalies.json" {
		t.Errorf("persisted artifacts = %v", got.Artifacts)
	}
}

func TestStatusAndOutcomeEnums(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusCompleted, StatusFailed, StatusPartiallyCompleted} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("done").IsValid() {
		t.Error("unknown status accepted")
	}
	if StatusRunning.Terminal() {
		t.Error("running is not terminal")
	}
	if !StatusFailed.Terminal() {
		t.Error("failed is terminal")
	}

	for _, o := range []Outcome{OutcomePending, OutcomeRunning, OutcomeSucceeded, OutcomeFailed, OutcomeCancelled} {
		if !o.IsValid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Outcome("done").IsValid() {
		t.Error("unknown outcome accepted")
	}
	if OutcomePending.Terminal() || OutcomeRunning.Terminal() {
		t.Error("pending/running are not terminal")
	}
	if !OutcomeCancelled.Terminal() {
		t.Error("cancelled is terminal")
	}
}

func TestLoadRejectsCorruptManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
