// Package watcher turns filesystem activity in a data directory into run
// triggers: new or changed CSV drops surface as debounced events after
// their content hash actually changes.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// eventChannelBuffer is the size of the watch event channel.
const eventChannelBuffer = 64

// Config configures data-file watching.
type Config struct {
	// DataDir is the directory to watch, recursively.
	DataDir string

	// DebounceDelay is how long to wait for more changes before emitting.
	DebounceDelay time.Duration

	// Extensions lists file extensions to watch. Defaults to .csv.
	Extensions []string
}

// Op indicates what happened to a watched file.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
)

// Event is one settled data-file change.
type Event struct {
	// Path is relative to the watched directory.
	Path    string
	AbsPath string
	Op      Op
}

// Watcher watches a data directory and emits debounced change events.
type Watcher struct {
	cfg    Config
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	exts   map[string]bool

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Hash-based change detection: rewrites with identical content are
	// not new data and must not trigger runs.
	hashMu sync.RWMutex
	hashes map[string]string

	events  chan Event
	dropped atomic.Int64
}

// New creates a data-file watcher.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 500 * time.Millisecond
	}

	exts := make(map[string]bool)
	if len(cfg.Extensions) == 0 {
		exts[".csv"] = true
	} else {
		for _, ext := range cfg.Extensions {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			exts[strings.ToLower(ext)] = true
		}
	}

	return &Watcher{
		cfg:     cfg,
		fsw:     fsw,
		logger:  logger.With("component", "watcher"),
		exts:    exts,
		pending: make(map[string]fsnotify.Op),
		hashes:  make(map[string]string),
		events:  make(chan Event, eventChannelBuffer),
	}, nil
}

// Events returns the channel of settled change events. It is closed when
// the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching. The events channel closes when ctx is cancelled
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.DataDir, 0755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.cfg.DataDir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("data watcher started",
		"data_dir", w.cfg.DataDir,
		"debounce", w.cfg.DebounceDelay,
		"extensions", w.cfg.Extensions)
	return nil
}

// Stop stops the watcher. The events channel is closed by the processing
// goroutine when it exits.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

// DroppedEvents returns the number of events dropped on channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.dropped.Load()
}

// addWatchesRecursive adds watches to all non-hidden directories.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && base != "." {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.cfg.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// handleFSEvent accumulates one raw fsnotify event.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	ext := strings.ToLower(filepath.Ext(path))
	if !w.exts[ext] {
		// New directories need their own watch for nested drops.
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				w.handleNewDirectory(path)
			}
		}
		return
	}

	w.pendingMu.Lock()
	w.pending[path] = event.Op
	w.pendingMu.Unlock()
}

func (w *Watcher) handleNewDirectory(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("failed to watch new directory", "path", path, "error", err)
	}
}

// flushPending settles accumulated changes into events.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relPath, _ := filepath.Rel(w.cfg.DataDir, path)

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			// A vanished file is not new data; just forget its hash.
			w.hashMu.Lock()
			delete(w.hashes, relPath)
			w.hashMu.Unlock()
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			w.logger.Warn("failed to read changed file", "path", relPath, "error", err)
			continue
		}
		newHash := contentHash(content)

		w.hashMu.RLock()
		oldHash, hadHash := w.hashes[relPath]
		w.hashMu.RUnlock()
		if hadHash && oldHash == newHash {
			continue
		}
		w.hashMu.Lock()
		w.hashes[relPath] = newHash
		w.hashMu.Unlock()

		evt := Event{Path: relPath, AbsPath: path, Op: OpModify}
		if op.Has(fsnotify.Create) || !hadHash {
			evt.Op = OpCreate
		}
		w.sendEvent(evt)
	}
}

func (w *Watcher) sendEvent(event Event) {
	select {
	case w.events <- event:
		w.logger.Info("data change detected", "path", event.Path, "op", event.Op)
	default:
		dropped := w.dropped.Add(1)
		w.logger.Warn("event channel full, dropping event",
			"path", event.Path, "total_dropped", dropped)
	}
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
