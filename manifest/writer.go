package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// ErrFinalized is returned when a run handle is used after Finalize.
var ErrFinalized = errors.New("run manifest already finalized")

const (
	manifestDir  = "manifests"
	historyFile  = "runs.jsonl"
	staleLockAge = 10 * time.Second
	lockRetry    = 25 * time.Millisecond
	lockWaitMax  = 5 * time.Second
)

// Writer creates run handles rooted at an output directory. The layout is
// <dir>/manifests/<run_id>.json per run plus a shared <dir>/runs.jsonl
// history appended on finalize.
type Writer struct {
	dir string
}

// NewWriter returns a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Dir returns the output directory the writer is rooted at.
func (w *Writer) Dir() string {
	return w.dir
}

// ManifestPath returns where the manifest for runID lives.
func (w *Writer) ManifestPath(runID string) string {
	return filepath.Join(w.dir, manifestDir, runID+".json")
}

// BeginRun opens the audit record for one run and persists its initial
// running state. The returned handle serializes all subsequent writes.
func (w *Writer) BeginRun(m *Manifest) (*Run, error) {
	if m.RunID == "" {
		return nil, errors.New("manifest run_id required")
	}
	if m.StartTS.IsZero() {
		m.StartTS = time.Now().UTC()
	}
	m.Status = StatusRunning

	r := &Run{
		dir:  w.dir,
		path: w.ManifestPath(m.RunID),
		m:    m,
	}
	if err := r.flushLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Run is the handle for one in-progress manifest. Stage records arrive from
// concurrent workers, so every method takes the single writer mutex.
type Run struct {
	mu        sync.Mutex
	dir       string
	path      string
	m         *Manifest
	finalized bool
}

// RunID returns the run identifier.
func (r *Run) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.RunID
}

// Path returns the manifest file location.
func (r *Run) Path() string {
	return r.path
}

// RecordStage inserts or updates the record for one stage and persists the
// manifest. Records keep their insertion order, so the executor's dispatch
// order is the order a reader sees.
func (r *Run) RecordStage(rec StageRecord) error {
	if rec.Name == "" {
		return errors.New("stage record needs a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}

	replaced := false
	for i := range r.m.Stages {
		if r.m.Stages[i].Name == rec.Name {
			r.m.Stages[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		r.m.Stages = append(r.m.Stages, rec)
	}
	return r.flushLocked()
}

// SetArtifact registers a named artifact location on the run.
func (r *Run) SetArtifact(name, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	if r.m.Artifacts == nil {
		r.m.Artifacts = make(map[string]string)
	}
	r.m.Artifacts[name] = location
	return r.flushLocked()
}

// Snapshot returns a copy of the manifest as currently persisted.
func (r *Run) Snapshot() Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := *r.m
	snap.Stages = make([]StageRecord, len(r.m.Stages))
	copy(snap.Stages, r.m.Stages)
	if r.m.Artifacts != nil {
		snap.Artifacts = make(map[string]string, len(r.m.Artifacts))
		for k, v := range r.m.Artifacts {
			snap.Artifacts[k] = v
		}
	}
	return snap
}

// Finalize stamps the terminal status and end time, persists the manifest
// one last time and appends it to the shared run history. A handle can be
// finalized exactly once; later writes fail with ErrFinalized.
func (r *Run) Finalize(status Status, runErr error) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize needs a terminal status, got %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}

	now := time.Now().UTC()
	r.m.Status = status
	r.m.EndTS = &now
	if runErr != nil {
		r.m.Error = runErr.Error()
		r.m.ErrorClass = fault.Classify(runErr)
	}
	if err := r.flushLocked(); err != nil {
		return err
	}
	r.finalized = true

	return r.appendHistoryLocked()
}

// flushLocked atomically rewrites the manifest file. Callers hold r.mu.
func (r *Run) flushLocked() error {
	data, err := json.MarshalIndent(r.m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close manifest temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// appendHistoryLocked adds the finalized manifest as one compact line to
// runs.jsonl, guarded by a lock file shared by concurrent salesops
// processes. Callers hold r.mu.
func (r *Run) appendHistoryLocked() error {
	line, err := json.Marshal(r.m)
	if err != nil {
		return fmt.Errorf("marshal history line: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	historyPath := filepath.Join(r.dir, historyFile)
	lockPath := historyPath + ".lock"
	if err := acquireLock(lockPath); err != nil {
		return err
	}
	defer os.Remove(lockPath)

	f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append run history: %w", err)
	}
	return nil
}

// acquireLock creates the lock file exclusively, waiting for a holder to
// release it. Locks older than staleLockAge are treated as leftovers from a
// crashed process and removed.
func acquireLock(path string) error {
	deadline := time.Now().Add(lockWaitMax)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create history lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("history lock %s held too long", path)
		}
		time.Sleep(lockRetry)
	}
}
