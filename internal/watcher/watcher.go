// Package watcher observes the sync directory and maps settled disk
// events back to guids via the file writer's mapping. The debounce-and-
// batch shape follows the same fsnotify wrapper pattern used elsewhere in
// the stack; here the debounce is keyed per path so edits to different
// files never block each other.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Ransomwave/azul/internal/writer"
	"github.com/Ransomwave/azul/pkg/logging"
)

// Kind distinguishes the settled, guid-resolved events the watcher emits.
type Kind int

const (
	// KindSourceChanged: a mapped script file's contents changed on disk.
	KindSourceChanged Kind = iota
	// KindCreated: a new file appeared under the sync directory.
	KindCreated
	// KindDeleted: a mapped script file was removed from disk.
	KindDeleted
)

// Event is a settled, de-duplicated, guid-resolved filesystem event ready
// for the coordinator to act on.
type Event struct {
	Kind   Kind
	GUID   string // empty for KindCreated (no instance exists yet)
	Path   string // absolute
	Source string // populated only for KindSourceChanged
}

// Handler receives settled watcher events. Called from the watcher's own
// goroutine; the coordinator is responsible for funneling calls back onto
// its single event loop (e.g. via a channel).
type Handler func(Event)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait, per path, for no further events
	// before settling it. Default: 100ms.
	Debounce time.Duration

	// IgnorePatterns are matched against the base name (exactly or as a
	// glob) or as a whole path segment of the full path; matching paths
	// are skipped entirely.
	IgnorePatterns []string
}

// DefaultOptions returns azul's default watcher configuration.
func DefaultOptions() Options {
	return Options{
		Debounce:       100 * time.Millisecond,
		IgnorePatterns: []string{".git", ".DS_Store", "*.swp", "*.tmp"},
	}
}

// Watcher recursively watches a root directory, debounces per path, and
// resolves settled events to guids via w.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	writer  *writer.Writer
	logger  *logging.Logger
	opts    Options
	handler Handler

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]fsnotify.Op
	priming bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher rooted at root. Start must be called to begin
// watching.
func New(root string, w *writer.Writer, handler Handler, opts *Options, logger *logging.Logger) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if logger == nil {
		logger = logging.Default("watcher")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:    abs,
		fsw:     fsw,
		writer:  w,
		logger:  logger,
		opts:    *opts,
		handler: handler,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]fsnotify.Op),
		done:    make(chan struct{}),
	}, nil
}

// SetPriming toggles the snapshot-write phase: while true, `add` events
// are ignored outright (the coordinator is writing the initial
// projection, and every one of those writes is already self-suppressed
// anyway, but directory-creation churn during a cold connect can be
// heavy enough to warrant skipping the add path entirely).
func (w *Watcher) SetPriming(priming bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.priming = priming
}

// Start begins watching. Spawns the fsnotify event-processing goroutine;
// it exits when ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Stop releases the underlying fsnotify watcher and stops all pending
// debounce timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()

		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fsw.Add(event.Name)
					continue
				}
			}
			w.scheduleSettle(event.Name, event.Op)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// scheduleSettle resets the per-path debounce timer: it is reset on every
// new event for the same path, so the last event before the quiet period
// wins.
func (w *Watcher) scheduleSettle(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = op
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() { w.settle(path) })
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	op, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	priming := w.priming
	w.mu.Unlock()
	if !ok {
		return
	}

	// Self-write suppression: discard entirely if this is the echo of our
	// own write.
	if w.writer.IsExpectedWrite(path) {
		return
	}

	switch {
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		w.handleUnlink(path)
	case op.Has(fsnotify.Write):
		w.handleChange(path)
	case op.Has(fsnotify.Create):
		w.handleAdd(path, priming)
	}
}

func (w *Watcher) handleChange(path string) {
	guid, ok := w.writer.GUIDForPath(path)
	if !ok {
		w.logger.Debug("watcher: change for unmapped path, ignoring", "path", path)
		return
	}
	body, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("watcher: failed to read changed file", "path", path, "error", err)
		return
	}
	w.emit(Event{Kind: KindSourceChanged, GUID: guid, Path: path, Source: string(body)})
}

func (w *Watcher) handleAdd(path string, priming bool) {
	if priming {
		return
	}
	if _, ok := w.writer.GUIDForPath(path); ok {
		return
	}
	w.emit(Event{Kind: KindCreated, Path: path})
}

func (w *Watcher) handleUnlink(path string) {
	guid, ok := w.writer.GUIDForPath(path)
	if !ok {
		return
	}
	w.writer.ForgetMapping(guid)
	w.emit(Event{Kind: KindDeleted, GUID: guid, Path: path})
}

func (w *Watcher) emit(e Event) {
	if w.handler != nil {
		w.handler(e)
	}
}
