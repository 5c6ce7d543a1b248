// Package coordinator owns the tree, writer, and sourcemap generator for
// the lifetime of a session, and is the only code allowed to mutate them.
// It runs as a single goroutine draining a fan-in channel fed by the
// transport's message-receive side, the watcher's debounced events, and
// command-initiated calls.
package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/watcher"
	"github.com/Ransomwave/azul/internal/writer"
	"github.com/Ransomwave/azul/pkg/logging"
)

// State is the session state machine: a connection goes Idle -> Priming
// on accept, Priming -> Live once the first fullSnapshot lands, and Live
// -> Disconnected when the peer is lost. A later reconnect moves
// Disconnected -> Priming again.
type State int

const (
	StateIdle State = iota
	StatePriming
	StateLive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePriming:
		return "priming"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sender is the subset of transport.Server the coordinator depends on;
// satisfied by *transport.Server.
type Sender interface {
	Send(t codec.Type, payload any) error
}

// Options configures a Coordinator.
type Options struct {
	SourcemapPath          string
	DeleteOrphansOnConnect bool
	MapNewFilesToInstances bool

	// ScriptExtension and SuffixModuleScripts mirror the writer's own
	// naming convention; the coordinator needs them only to invert a
	// freshly-created file's path back into a guessed instance when
	// MapNewFilesToInstances is set.
	ScriptExtension     string
	SuffixModuleScripts bool

	// IgnorePatterns exempts matching paths from orphan deletion: a
	// basename equal to the pattern, a glob match against the basename,
	// or the pattern appearing as a path segment. There is no nested
	// .gitignore-style precedence here, just the same flat pattern list
	// the watcher uses to decide what to notice in the first place.
	IgnorePatterns []string
}

// Coordinator dispatches transport and watcher events through the
// session state machine above. Not safe for concurrent use beyond
// its own Run loop: callers feed events through HandleMessage/
// HandleWatcherEvent, which enqueue onto the single internal channel.
type Coordinator struct {
	opts   Options
	tree   *tree.Manager
	writer *writer.Writer
	gen    *sourcemap.Generator
	sender Sender
	logger *logging.Logger

	flight singleflight.Group

	mu    sync.Mutex
	state State

	events chan func()
}

// New returns a Coordinator wired to the given components. gen, t, and w
// are the process's single instances, owned here for the session's
// lifetime.
func New(t *tree.Manager, w *writer.Writer, gen *sourcemap.Generator, sender Sender, opts Options, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default("coordinator")
	}
	return &Coordinator{
		opts:   opts,
		tree:   t,
		writer: w,
		gen:    gen,
		sender: sender,
		logger: logger,
		state:  StateIdle,
		events: make(chan func(), 256),
	}
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Info("coordinator: state transition", "state", s.String())
}

// Run drains the event queue until ctx is canceled. This is the single
// goroutine that touches the tree, writer, and sourcemap generator.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.events:
			fn()
		}
	}
}

func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.events <- fn:
	default:
		c.logger.Warn("coordinator: event queue full, dropping event")
	}
}

// HandleConnect is called when the transport accepts a new peer,
// transitioning the session from Idle to Priming.
func (c *Coordinator) HandleConnect() {
	c.enqueue(func() {
		c.setState(StatePriming)
	})
}

// HandleDisconnect is called when the active peer is lost.
func (c *Coordinator) HandleDisconnect() {
	c.enqueue(func() {
		c.setState(StateDisconnected)
	})
}

// HandleMessage is called from the transport's read goroutine for every
// known, decoded frame; it enqueues the actual handling onto the
// coordinator's own loop.
func (c *Coordinator) HandleMessage(t codec.Type, raw []byte) {
	c.enqueue(func() {
		c.dispatchMessage(t, raw)
	})
}

func (c *Coordinator) dispatchMessage(t codec.Type, raw []byte) {
	switch t {
	case codec.TypeFullSnapshot:
		var msg codec.FullSnapshot
		if err := decode(raw, &msg); err != nil {
			c.logger.Warn("coordinator: malformed fullSnapshot", "error", err)
			return
		}
		c.onFullSnapshot(msg.Data)

	case codec.TypeInstanceUpdated:
		var msg codec.InstanceUpdated
		if err := decode(raw, &msg); err != nil {
			c.logger.Warn("coordinator: malformed instanceUpdated", "error", err)
			return
		}
		c.onInstanceUpdated(msg.Data)

	case codec.TypeInstanceDeleted:
		var msg codec.InstanceDeleted
		if err := decode(raw, &msg); err != nil {
			c.logger.Warn("coordinator: malformed instanceDeleted", "error", err)
			return
		}
		c.onInstanceDeleted(msg.GUID)

	case codec.TypeScriptSourceChanged:
		var msg codec.ScriptSourceChanged
		if err := decode(raw, &msg); err != nil {
			c.logger.Warn("coordinator: malformed scriptSourceChanged", "error", err)
			return
		}
		c.onScriptSourceChanged(msg.GUID, msg.Source)
	}
}

// onFullSnapshot implements the Priming -> Live transition.
func (c *Coordinator) onFullSnapshot(instances []codec.InstanceData) {
	if errs := c.tree.ApplyFullSnapshot(instances); len(errs) > 0 {
		for _, err := range errs {
			c.logger.Warn("coordinator: snapshot inconsistency", "error", err)
		}
	}

	for _, err := range c.writer.WriteTree(c.tree.GetAllNodes()) {
		c.logger.Warn("coordinator: write error during snapshot projection", "error", err)
	}

	if c.opts.DeleteOrphansOnConnect {
		c.deleteOrphans()
	}

	c.regenerateSourcemap()
	c.setState(StateLive)
}

// deleteOrphans removes files under the sync directory that no current
// mapping claims.
func (c *Coordinator) deleteOrphans() {
	claimed := make(map[string]bool)
	for _, m := range c.writer.Mappings() {
		claimed[m.FilePath] = true
	}

	base := c.writer.BaseDir()
	filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if c.isIgnored(path) {
			return nil
		}
		if !claimed[path] {
			if err := c.writer.DeleteFilePath(path); err != nil {
				c.logger.Warn("coordinator: failed to delete orphan", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (c *Coordinator) isIgnored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range c.opts.IgnorePatterns {
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

func (c *Coordinator) onInstanceUpdated(inst codec.InstanceData) {
	result, err := c.tree.UpdateInstance(inst)
	if err != nil {
		c.logger.Warn("coordinator: tree inconsistency on update", "guid", inst.GUID, "error", err)
	}

	if result.Node.IsScript() {
		if err := c.writer.WriteScript(result.Node); err != nil {
			c.logger.Warn("coordinator: failed to write script", "guid", inst.GUID, "error", err)
		}
	}

	mappings := c.mappingsByGUID()
	if result.IsNew {
		c.upsertSourcemap(result.Node, mappings, nil, true)
	} else if result.PathChanged {
		c.upsertSourcemap(result.Node, mappings, result.PrevPath, false)
	} else {
		c.upsertSourcemap(result.Node, mappings, nil, false)
	}
}

func (c *Coordinator) onInstanceDeleted(guid string) {
	removed := c.tree.DeleteInstance(guid)
	if removed == nil {
		return
	}

	for _, script := range flattenScripts(removed) {
		if err := c.writer.DeleteScript(script.GUID); err != nil {
			c.logger.Warn("coordinator: failed to delete script file", "guid", script.GUID, "error", err)
		}
	}

	c.pruneSourcemap(removed.Path, removed.GUID, removed.ClassName)
}

func (c *Coordinator) onScriptSourceChanged(guid, source string) {
	if err := c.tree.UpdateScriptSource(guid, source); err != nil {
		c.logger.Warn("coordinator: source update for unknown guid", "guid", guid, "error", err)
		return
	}
	n, ok := c.tree.GetNode(guid)
	if !ok {
		return
	}
	if err := c.writer.WriteScript(n); err != nil {
		c.logger.Warn("coordinator: failed to write updated source", "guid", guid, "error", err)
	}
}

// HandleWatcherEvent is the watcher.Handler passed to watcher.New.
func (c *Coordinator) HandleWatcherEvent(e watcher.Event) {
	c.enqueue(func() {
		c.dispatchWatcherEvent(e)
	})
}

func (c *Coordinator) dispatchWatcherEvent(e watcher.Event) {
	switch e.Kind {
	case watcher.KindSourceChanged:
		if err := c.tree.UpdateScriptSource(e.GUID, e.Source); err != nil {
			c.logger.Warn("coordinator: watcher source update for unknown guid", "guid", e.GUID, "error", err)
			return
		}
		if c.sender != nil {
			c.sender.Send(codec.TypeScriptSourceChanged, codec.ScriptSourceChanged{GUID: e.GUID, Source: e.Source})
		}

	case watcher.KindDeleted:
		removed := c.tree.DeleteInstance(e.GUID)
		if removed == nil {
			return
		}
		c.pruneSourcemap(removed.Path, removed.GUID, removed.ClassName)
		if c.sender != nil {
			c.sender.Send(codec.TypeInstanceDeleted, codec.InstanceDeleted{GUID: e.GUID})
		}

	case watcher.KindCreated:
		if !c.opts.MapNewFilesToInstances {
			return
		}
		c.handleFileCreated(e.Path)
	}
}

// handleFileCreated inverts a newly observed script file's path into a
// guessed instance, inserts it into the tree, and notifies the editor.
// Non-script files (wrong extension) are ignored - azul only projects
// scripts, so a stray asset dropped into the sync directory is never
// turned into an instance.
func (c *Coordinator) handleFileCreated(path string) {
	inst, ok := instanceFromCreatedPath(c.writer.BaseDir(), c.opts.ScriptExtension, c.opts.SuffixModuleScripts, path)
	if !ok {
		c.logger.Debug("coordinator: new non-script file observed, ignoring", "path", path)
		return
	}

	result, err := c.tree.UpdateInstance(inst)
	if err != nil {
		c.logger.Warn("coordinator: tree inconsistency mapping new file", "path", path, "error", err)
		return
	}
	if err := c.writer.WriteScript(result.Node); err != nil {
		c.logger.Warn("coordinator: failed to claim mapping for new file", "path", path, "error", err)
		return
	}

	c.upsertSourcemap(result.Node, c.mappingsByGUID(), nil, true)
	if c.sender != nil {
		c.sender.Send(codec.TypeInstanceUpdated, codec.InstanceUpdated{Data: inst})
	}
}

// instanceFromCreatedPath inverts computeFilePath: it guesses the tree
// path, name, and class for a file the user just created under baseDir.
// Returns false for anything not ending in ext. An "init<ext>" file
// names its instance after its containing directory (a container script
// with children); azul has no signal to distinguish Script from
// ModuleScript for those, so it guesses ModuleScript, the more common
// case for init-style library folders. A plain "<stem>.module<ext>" file
// (when suffixModuleScripts is on) is ModuleScript; anything else
// defaults to Script.
func instanceFromCreatedPath(baseDir, ext string, suffixModuleScripts bool, absPath string) (codec.InstanceData, bool) {
	if filepath.Ext(absPath) != ext {
		return codec.InstanceData{}, false
	}
	rel, err := filepath.Rel(baseDir, absPath)
	if err != nil {
		return codec.InstanceData{}, false
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	last := segments[len(segments)-1]
	stem := strings.TrimSuffix(last, ext)

	var path []string
	var name, className string
	if stem == "init" {
		if len(segments) < 2 {
			return codec.InstanceData{}, false
		}
		path = segments[:len(segments)-1]
		name = path[len(path)-1]
		className = "ModuleScript"
	} else {
		className = "Script"
		if suffixModuleScripts && strings.HasSuffix(stem, ".module") {
			stem = strings.TrimSuffix(stem, ".module")
			className = "ModuleScript"
		}
		name = stem
		path = append(append([]string{}, segments[:len(segments)-1]...), name)
	}

	body, err := os.ReadFile(absPath)
	if err != nil {
		return codec.InstanceData{}, false
	}
	source := string(body)

	return codec.InstanceData{
		GUID:      uuid.NewString(),
		ClassName: className,
		Name:      name,
		Path:      path,
		Source:    &source,
	}, true
}

// upsertSourcemap applies an incremental sourcemap update, falling back
// to full regeneration on a RegenerateRequiredError.
func (c *Coordinator) upsertSourcemap(n *tree.Node, mappings map[string]writer.Mapping, oldPath []string, isNew bool) {
	root, err := c.gen.Load(c.opts.SourcemapPath)
	if err != nil {
		c.logger.Warn("coordinator: sourcemap load failed, regenerating", "error", err)
		c.regenerateSourcemap()
		return
	}

	if err := c.gen.UpsertSubtree(root, n, mappings, oldPath, isNew); err != nil {
		c.logger.Warn("coordinator: incremental upsert failed, regenerating", "error", err)
		c.regenerateSourcemap()
		return
	}

	if err := c.gen.Write(root, c.opts.SourcemapPath); err != nil {
		c.logger.Warn("coordinator: failed to write sourcemap", "error", err)
	}
}

func (c *Coordinator) pruneSourcemap(pathSegments []string, guid, className string) {
	root, err := c.gen.Load(c.opts.SourcemapPath)
	if err != nil {
		c.logger.Warn("coordinator: sourcemap load failed, regenerating", "error", err)
		c.regenerateSourcemap()
		return
	}

	if !c.gen.PrunePath(root, pathSegments, guid, className) {
		c.logger.Warn("coordinator: prune failed to locate node, regenerating")
		c.regenerateSourcemap()
		return
	}

	if err := c.gen.Write(root, c.opts.SourcemapPath); err != nil {
		c.logger.Warn("coordinator: failed to write sourcemap", "error", err)
	}
}

// regenerateSourcemap performs a full rebuild and write. Concurrent
// callers requesting a regeneration for the same output path within the
// same tick are collapsed into a single rebuild via singleflight.
func (c *Coordinator) regenerateSourcemap() {
	_, err, _ := c.flight.Do(c.opts.SourcemapPath, func() (any, error) {
		root, _ := c.tree.GetRoot()
		out := c.gen.Generate(root, c.tree.GetAllNodes(), c.mappingsByGUID())
		return nil, c.gen.Write(out, c.opts.SourcemapPath)
	})
	if err != nil {
		c.logger.Warn("coordinator: sourcemap regeneration failed", "error", err)
	}
}

func (c *Coordinator) mappingsByGUID() map[string]writer.Mapping {
	out := make(map[string]writer.Mapping)
	for _, m := range c.writer.Mappings() {
		out[m.GUID] = m
	}
	return out
}

func flattenScripts(n *tree.Node) []*tree.Node {
	var out []*tree.Node
	if n.IsScript() {
		out = append(out, n)
	}
	for _, child := range n.Children {
		out = append(out, flattenScripts(child)...)
	}
	return out
}

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
