package sourcemap

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Ransomwave/azul/internal/tree"
	"github.com/Ransomwave/azul/internal/writer"
	"github.com/Ransomwave/azul/pkg/logging"
)

// Generator produces and incrementally maintains a sourcemap.json file.
// Not safe for concurrent use; owned by the coordinator's single event
// loop.
type Generator struct {
	logger *logging.Logger
}

// New returns a Generator.
func New(logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.Default("sourcemap")
	}
	return &Generator{logger: logger}
}

// Generate performs a full reconstruction of the sourcemap tree. If root
// is non-nil (the synthetic tree root exists), its children are the
// services; otherwise every path-length-1 node in allNodes is treated as
// a service.
func (g *Generator) Generate(root *tree.Node, allNodes []*tree.Node, mappings map[string]writer.Mapping) *Node {
	var services []*tree.Node
	if root != nil {
		services = tree.SortedChildren(root)
	} else {
		for _, n := range allNodes {
			if len(n.Path) == 1 {
				services = append(services, n)
			}
		}
		tree.SortSiblings(services)
	}

	out := NewRoot()
	visited := make(map[string]bool)
	for _, svc := range services {
		if child := g.buildSubtree(svc, mappings, visited); child != nil {
			out.Children = append(out.Children, child)
		}
	}
	return out
}

// buildSubtree recurses over the live tree, carrying a visited set over
// guids to defend against cyclic references: a cycle is logged and the
// offending branch is truncated rather than recursing forever. This
// never triggers if tree invariants hold.
func (g *Generator) buildSubtree(n *tree.Node, mappings map[string]writer.Mapping, visited map[string]bool) *Node {
	if visited[n.GUID] {
		g.logger.Warn("sourcemap: cyclic reference detected, truncating branch", "guid", n.GUID)
		return nil
	}
	visited[n.GUID] = true

	out := &Node{Name: n.Name, ClassName: n.ClassName, GUID: n.GUID}
	if n.IsScript() {
		if m, ok := mappings[n.GUID]; ok {
			out.FilePaths = []string{relativeToCWD(m.FilePath)}
		}
	}
	for _, c := range tree.SortedChildren(n) {
		if child := g.buildSubtree(c, mappings, visited); child != nil {
			out.Children = append(out.Children, child)
		}
	}
	return out
}

// relativeToCWD converts an absolute path into a forward-slashed path
// relative to the process working directory, matching how Rojo-style
// sourcemaps record filePaths.
func relativeToCWD(abs string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.ToSlash(abs)
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Write pretty-prints root to path, creating the parent directory if
// needed.
func (g *Generator) Write(root *Node, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads and parses an existing sourcemap.json. A missing file
// yields a fresh, empty root (not an error); a malformed file yields a
// CorruptedError.
func (g *Generator) Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRoot(), nil
		}
		return nil, &CorruptedError{Path: path, Err: err}
	}
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &CorruptedError{Path: path, Err: err}
	}
	return &root, nil
}

// Validate walks root and reports every filePaths entry that does not
// exist on disk, resolved relative to the process working directory.
func (g *Generator) Validate(root *Node) ValidationResult {
	result := ValidationResult{Valid: true}
	g.walk(root, func(n *Node) {
		for _, p := range n.FilePaths {
			if _, err := os.Stat(p); err != nil {
				result.Valid = false
				result.Errors = append(result.Errors, "missing file: "+p+" (guid "+n.GUID+")")
			}
		}
	})
	return result
}

func (g *Generator) walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		g.walk(c, fn)
	}
}

// UpsertSubtree inserts or replaces liveNode's subtree within root in
// place, without a full Generate pass. oldPath, when non-nil and
// different from liveNode's current path, is pruned first (the node
// moved). isNew forces append semantics so same-name siblings are never
// merged. Any failure to locate the ancestor chain returns a
// RegenerateRequiredError; the coordinator falls back to Generate +
// Write on that signal.
func (g *Generator) UpsertSubtree(root *Node, liveNode *tree.Node, mappings map[string]writer.Mapping, oldPath []string, isNew bool) error {
	if root == nil {
		return &RegenerateRequiredError{Reason: "nil sourcemap root"}
	}
	if oldPath != nil && !pathStringsEqual(oldPath, liveNode.Path) {
		g.PrunePath(root, oldPath, liveNode.GUID, liveNode.ClassName)
	}

	parent := root
	for _, anc := range ancestorChain(liveNode) {
		next := findChildMatchingLive(parent, anc)
		if next == nil {
			return &RegenerateRequiredError{Reason: "ancestor \"" + anc.Name + "\" not found while inserting " + liveNode.GUID}
		}
		parent = next
	}

	fresh := g.buildSubtree(liveNode, mappings, make(map[string]bool))
	if fresh == nil {
		return &RegenerateRequiredError{Reason: "failed to build subtree for " + liveNode.GUID}
	}

	if isNew {
		parent.Children = append(parent.Children, fresh)
		return nil
	}

	for i, c := range parent.Children {
		if c.GUID != "" && c.GUID == liveNode.GUID {
			parent.Children[i] = fresh
			return nil
		}
	}
	for i, c := range parent.Children {
		if c.Name == liveNode.Name && c.ClassName == liveNode.ClassName {
			parent.Children[i] = fresh
			return nil
		}
	}
	parent.Children = append(parent.Children, fresh)
	return nil
}

// ancestorChain returns liveNode's ancestors from the topmost service
// down to (not including) liveNode itself, excluding the synthetic root.
func ancestorChain(liveNode *tree.Node) []*tree.Node {
	var chain []*tree.Node
	for p := liveNode.Parent; p != nil && !p.IsRoot(); p = p.Parent {
		chain = append([]*tree.Node{p}, chain...)
	}
	return chain
}

// findChildMatchingLive locates the sourcemap child corresponding to
// liveNode: guid first, then (name, className).
func findChildMatchingLive(parent *Node, liveNode *tree.Node) *Node {
	for _, c := range parent.Children {
		if c.GUID != "" && c.GUID == liveNode.GUID {
			return c
		}
	}
	for _, c := range parent.Children {
		if c.Name == liveNode.Name && c.ClassName == liveNode.ClassName {
			return c
		}
	}
	return nil
}

func pathStringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PrunePath removes the node at pathSegments from root, matching the
// final segment by guid, then className, then name alone. Ancestors left
// empty (no children, no filePaths) are collapsed upward, stopping
// before a service node (root's direct child) is ever removed - services
// are structural and survive even when empty. Reports whether a node was
// removed.
func (g *Generator) PrunePath(root *Node, pathSegments []string, targetGUID, targetClassName string) bool {
	if len(pathSegments) == 0 || root == nil {
		return false
	}

	chain := []*Node{root}
	cur := root
	for _, seg := range pathSegments[:len(pathSegments)-1] {
		next := findChildByName(cur, seg)
		if next == nil {
			return false
		}
		chain = append(chain, next)
		cur = next
	}

	idx, match := findFinalChild(cur, pathSegments[len(pathSegments)-1], targetGUID, targetClassName)
	if match == nil {
		return false
	}
	cur.Children = append(cur.Children[:idx], cur.Children[idx+1:]...)

	for i := len(chain) - 1; i > 0; i-- {
		node := chain[i]
		if len(node.Children) > 0 || len(node.FilePaths) > 0 {
			break
		}
		if i == 1 {
			// node is a service: a direct child of the synthetic root.
			// Services are never pruned even when empty.
			break
		}
		parent := chain[i-1]
		pidx := indexOfChild(parent, node)
		if pidx < 0 {
			break
		}
		parent.Children = append(parent.Children[:pidx], parent.Children[pidx+1:]...)
	}
	return true
}

func findChildByName(n *Node, name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func findFinalChild(n *Node, name, guid, className string) (int, *Node) {
	var nameMatches []int
	for i, c := range n.Children {
		if c.Name == name {
			nameMatches = append(nameMatches, i)
		}
	}
	if len(nameMatches) == 0 {
		return -1, nil
	}
	if guid != "" {
		for _, i := range nameMatches {
			if n.Children[i].GUID == guid {
				return i, n.Children[i]
			}
		}
	}
	if className != "" {
		for _, i := range nameMatches {
			if n.Children[i].ClassName == className {
				return i, n.Children[i]
			}
		}
	}
	return nameMatches[0], n.Children[nameMatches[0]]
}

func indexOfChild(parent, node *Node) int {
	for i, c := range parent.Children {
		if c == node {
			return i
		}
	}
	return -1
}
