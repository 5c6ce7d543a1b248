// Package writer projects script nodes onto disk as files, maintaining
// the guid <-> file-path mapping that is authoritative over the disk
// layout.
package writer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/pkg/logging"
	"github.com/Ransomwave/azul/pkg/pathsafe"
)

// Mapping is one guid -> on-disk file association.
type Mapping struct {
	GUID      string
	FilePath  string // absolute, OS-native separators
	ClassName string
}

// Writer maintains the sync directory's file layout. Not safe for
// concurrent use; owned by the coordinator's single event loop.
type Writer struct {
	baseDir             string
	ext                 string
	suffixModuleScripts bool
	logger              *logging.Logger

	mappings map[string]Mapping // guid -> mapping
	byPath   map[string]string  // absolute file path -> guid

	// expectWrite suppresses the watcher's self-echo for a path this
	// writer just touched.
	expectWrite map[string]struct{}
}

// New returns a Writer rooted at baseDir. baseDir is created if absent
// only when the first write occurs; callers may pre-create it.
func New(baseDir, ext string, suffixModuleScripts bool, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default("writer")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = baseDir
	}
	return &Writer{
		baseDir:             abs,
		ext:                 ext,
		suffixModuleScripts: suffixModuleScripts,
		logger:              logger,
		mappings:            make(map[string]Mapping),
		byPath:              make(map[string]string),
		expectWrite:         make(map[string]struct{}),
	}
}

// BaseDir returns the absolute sync directory root.
func (w *Writer) BaseDir() string { return w.baseDir }

// GetMapping returns the current mapping for guid, if any.
func (w *Writer) GetMapping(guid string) (Mapping, bool) {
	m, ok := w.mappings[guid]
	return m, ok
}

// Mappings returns every current guid -> file mapping. Order unspecified.
func (w *Writer) Mappings() []Mapping {
	out := make([]Mapping, 0, len(w.mappings))
	for _, m := range w.mappings {
		out = append(out, m)
	}
	return out
}

// GUIDForPath returns the guid mapped to the given absolute path, if any.
// Used by the watcher to translate disk events back to guids.
func (w *Writer) GUIDForPath(absPath string) (string, bool) {
	g, ok := w.byPath[absPath]
	return g, ok
}

// IsExpectedWrite reports and clears the self-write-suppression flag for
// absPath: true means the watcher should discard the next change event
// for this path as self-induced.
func (w *Writer) IsExpectedWrite(absPath string) bool {
	_, ok := w.expectWrite[absPath]
	if ok {
		delete(w.expectWrite, absPath)
	}
	return ok
}

func (w *Writer) markExpectedWrite(absPath string) {
	w.expectWrite[absPath] = struct{}{}
}

// computeFilePath derives the on-disk path for n from its tree path and
// naming conventions (init-style for script-container folders, the
// configured extension and module-script suffix), without consulting or
// mutating any mapping.
func (w *Writer) computeFilePath(n *tree.Node) string {
	segments := pathsafe.SanitizePath(n.Path)
	dirSegments := segments[:len(segments)-1]

	isInitStyle := len(n.Path) >= 2 && n.Name == n.Path[len(n.Path)-2]

	var stem string
	if isInitStyle {
		stem = "init"
	} else {
		stem = pathsafe.SanitizeSegment(n.Name)
		if w.suffixModuleScripts && n.ClassName == "ModuleScript" {
			stem += ".module"
		}
	}

	dir := filepath.Join(append([]string{w.baseDir}, dirSegments...)...)
	return filepath.Join(dir, stem+w.ext)
}

// disambiguate appends the guid's collision suffix to path's stem so two
// instances that would otherwise resolve to the same file each keep a
// distinct one. The result is stable for a given (path, guid) pair.
func disambiguate(path, guid string) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	return filepath.Join(dir, stem+"__"+pathsafe.ShortGUID(guid, 8)+ext)
}

// resolveTargetPath computes the path for n, disambiguating against any
// existing mapping for a *different* guid at the same path. Exactly one
// guid owns any given path at any time.
func (w *Writer) resolveTargetPath(n *tree.Node) string {
	target := w.computeFilePath(n)
	if owner, ok := w.byPath[target]; ok && owner != n.GUID {
		target = disambiguate(target, n.GUID)
	}
	return target
}

// WriteScript projects n onto disk. If n already had a mapping to a
// different path, the old file is unlinked and empty parent directories
// are pruned before the new file is written.
func (w *Writer) WriteScript(n *tree.Node) error {
	if !n.IsScript() {
		return nil
	}

	target := w.resolveTargetPath(n)

	if old, ok := w.mappings[n.GUID]; ok && old.FilePath != target {
		w.markExpectedWrite(old.FilePath)
		if err := w.removeFile(old.FilePath); err != nil {
			w.logger.Warn("failed to remove stale script file", "path", old.FilePath, "error", err)
			return &FSError{Op: "unlink", Path: old.FilePath, Err: err}
		}
		delete(w.byPath, old.FilePath)
		w.pruneEmptyParents(filepath.Dir(old.FilePath))
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &FSError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
	}

	var body string
	if n.Source != nil {
		body = *n.Source
	}

	w.markExpectedWrite(target)
	if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
		return &FSError{Op: "write", Path: target, Err: err}
	}

	w.mappings[n.GUID] = Mapping{GUID: n.GUID, FilePath: target, ClassName: n.ClassName}
	w.byPath[target] = n.GUID
	return nil
}

// DeleteScript removes n's file and mapping. No-op if n has no mapping.
// Services are structural: a now-empty service directory is left in
// place, only intermediate directories beneath it are pruned.
func (w *Writer) DeleteScript(guid string) error {
	m, ok := w.mappings[guid]
	if !ok {
		return nil
	}
	w.markExpectedWrite(m.FilePath)
	if err := w.removeFile(m.FilePath); err != nil {
		return &FSError{Op: "unlink", Path: m.FilePath, Err: err}
	}
	delete(w.mappings, guid)
	delete(w.byPath, m.FilePath)
	w.pruneEmptyIntermediateParents(filepath.Dir(m.FilePath))
	return nil
}

// DeleteFilePath removes a stray file (one with no corresponding guid,
// or one whose guid no longer exists) and any mapping pointing to it.
// Like DeleteScript, this never removes a service directory.
func (w *Writer) DeleteFilePath(absPath string) error {
	if guid, ok := w.byPath[absPath]; ok {
		delete(w.mappings, guid)
		delete(w.byPath, absPath)
	}
	w.markExpectedWrite(absPath)
	if err := w.removeFile(absPath); err != nil {
		return &FSError{Op: "unlink", Path: absPath, Err: err}
	}
	w.pruneEmptyIntermediateParents(filepath.Dir(absPath))
	return nil
}

// ForgetMapping drops the bookkeeping for guid without touching the
// filesystem. Used when the watcher observes that the user already
// deleted the mapped file directly.
func (w *Writer) ForgetMapping(guid string) {
	m, ok := w.mappings[guid]
	if !ok {
		return
	}
	delete(w.mappings, guid)
	delete(w.byPath, m.FilePath)
}

// WriteTree bulk-projects every script node, in deterministic
// (name, className, guid) order so collision disambiguation is stable.
func (w *Writer) WriteTree(nodes []*tree.Node) []error {
	var scripts []*tree.Node
	for _, n := range nodes {
		if n.IsScript() {
			scripts = append(scripts, n)
		}
	}
	tree.SortSiblings(scripts)

	var errs []error
	for _, n := range scripts {
		if err := w.WriteScript(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CleanupEmptyDirectories depth-first removes any empty directory
// strictly inside the base directory.
func (w *Writer) CleanupEmptyDirectories() error {
	return w.cleanupDir(w.baseDir, true)
}

// cleanupDir recurses depth-first; top is never removed even if empty.
func (w *Writer) cleanupDir(dir string, top bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &FSError{Op: "readdir", Path: dir, Err: err}
	}

	empty := true
	for _, e := range entries {
		if e.IsDir() {
			child := filepath.Join(dir, e.Name())
			if err := w.cleanupDir(child, false); err != nil {
				return err
			}
			if remaining, _ := os.ReadDir(child); len(remaining) == 0 {
				os.Remove(child)
				continue
			}
			empty = false
		} else {
			empty = false
		}
	}

	if !top && empty {
		os.Remove(dir)
	}
	return nil
}

// pruneEmptyParents removes dir and each empty ancestor, stopping at (not
// including) the base directory. Used on a move, where the vacated
// service directory is allowed to disappear along with it.
func (w *Writer) pruneEmptyParents(dir string) {
	for {
		if dir == w.baseDir || !strings.HasPrefix(dir, w.baseDir) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// pruneEmptyIntermediateParents is pruneEmptyParents but additionally
// stops before removing a directory that sits directly under the base:
// services are structural and survive a plain deletion even once empty.
func (w *Writer) pruneEmptyIntermediateParents(dir string) {
	for {
		if dir == w.baseDir || !strings.HasPrefix(dir, w.baseDir) {
			return
		}
		if filepath.Dir(dir) == w.baseDir {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (w *Writer) removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// FSError wraps an operation that failed against the filesystem
// (permission denied, disk full, path too long). The affected mapping
// is left unchanged; retrying is the caller's responsibility on the
// next event.
type FSError struct {
	Op   string
	Path string
	Err  error
}

func (e *FSError) Error() string {
	return "writer: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *FSError) Unwrap() error { return e.Err }
