package tree

import (
	"encoding/json"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/pkg/logging"
)

// UpdateResult describes the effect of UpdateInstance, so the coordinator
// can decide what the file writer and sourcemap generator need to do.
type UpdateResult struct {
	Node          *Node
	IsNew         bool
	PathChanged   bool
	NameChanged   bool
	ParentChanged bool
	PrevPath      []string
	PrevName      string
}

// Stats summarizes the current tree, used by diagnostics.
type Stats struct {
	TotalNodes  int
	ScriptNodes int
	Services    int
}

// Manager is the authoritative in-memory DataModel mirror. It is not
// safe for concurrent use: only the sync coordinator's single event-loop
// goroutine may call into it.
type Manager struct {
	nodes     map[string]*Node
	pathIndex map[string]map[string]*Node // pathKey -> guid -> node
	root      *Node
	logger    *logging.Logger
}

// NewManager returns an empty tree manager.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default("tree")
	}
	m := &Manager{
		nodes:     make(map[string]*Node),
		pathIndex: make(map[string]map[string]*Node),
		logger:    logger,
	}
	return m
}

func pathKey(path []string) string {
	b, _ := json.Marshal(path)
	return string(b)
}

// ensureRoot lazily creates the synthetic root.
func (m *Manager) ensureRoot() *Node {
	if m.root == nil {
		m.root = newSyntheticRoot()
		m.nodes[RootGUID] = m.root
	}
	return m.root
}

func (m *Manager) indexAdd(n *Node) {
	key := pathKey(n.Path)
	bucket, ok := m.pathIndex[key]
	if !ok {
		bucket = make(map[string]*Node)
		m.pathIndex[key] = bucket
	}
	bucket[n.GUID] = n
}

func (m *Manager) indexRemove(n *Node) {
	key := pathKey(n.Path)
	bucket, ok := m.pathIndex[key]
	if !ok {
		return
	}
	delete(bucket, n.GUID)
	if len(bucket) == 0 {
		delete(m.pathIndex, key)
	}
}

// lookupByPath returns the unique node at path: an ambiguous (same-name
// sibling) path returns no result, and callers must disambiguate by guid
// or accept failure.
func (m *Manager) lookupByPath(path []string) (*Node, bool) {
	bucket, ok := m.pathIndex[pathKey(path)]
	if !ok || len(bucket) != 1 {
		return nil, false
	}
	for _, n := range bucket {
		return n, true
	}
	return nil, false
}

// ApplyFullSnapshot clears all state and rebuilds the tree from
// instances in two passes: materialize, then link.
func (m *Manager) ApplyFullSnapshot(instances []codec.InstanceData) []error {
	m.nodes = make(map[string]*Node)
	m.pathIndex = make(map[string]map[string]*Node)
	m.root = nil

	var errs []error

	// Pass 1: materialize every node, unlinked.
	fresh := make([]*Node, 0, len(instances))
	for _, inst := range instances {
		parentGUID := ""
		if inst.ParentGUID != nil {
			parentGUID = *inst.ParentGUID
		}
		n := newNode(inst.GUID, inst.ClassName, inst.Name, inst.Path, parentGUID)
		n.Source = inst.Source
		m.nodes[n.GUID] = n
		fresh = append(fresh, n)
	}

	// Pass 2: link children under explicit parentGuid, falling back to
	// path-prefix lookup; register each into the path index once linked.
	for _, n := range fresh {
		parent, err := m.resolveParentForLink(n, fresh)
		if err != nil {
			errs = append(errs, err)
		}
		m.link(n, parent)
		m.indexAdd(n)
	}

	return errs
}

// resolveParentForLink finds n's parent during ApplyFullSnapshot. The
// path index is not yet fully built during the two-pass snapshot load, so
// after a parentGuid miss the path-prefix fallback scans fresh linearly
// instead; a non-unique match counts as not found.
func (m *Manager) resolveParentForLink(n *Node, fresh []*Node) (*Node, error) {
	if len(n.Path) <= 1 {
		return m.ensureRoot(), nil
	}
	if n.ParentGUID != "" {
		if p, ok := m.nodes[n.ParentGUID]; ok {
			return p, nil
		}
	}
	prefix := n.Path[:len(n.Path)-1]
	var match *Node
	ambiguous := false
	for _, cand := range fresh {
		if cand == n || pathsEqual(cand.Path, prefix) {
			if cand == n {
				continue
			}
			if match != nil {
				ambiguous = true
				break
			}
			match = cand
		}
	}
	if match != nil && !ambiguous {
		return match, nil
	}
	return m.ensureRoot(), &InconsistencyError{GUID: n.GUID, Reason: "parent not found during snapshot, attached to root"}
}

func pathsEqual(a, b []string) bool {
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

func (m *Manager) link(n, parent *Node) {
	n.Parent = parent
	n.ParentGUID = parent.GUID
	parent.Children[n.GUID] = n
}

func (m *Manager) unlink(n *Node) {
	if n.Parent != nil {
		delete(n.Parent.Children, n.GUID)
		n.Parent = nil
	}
}

// UpdateInstance upserts a single instance by guid, diffing against any
// existing node to detect a reparent or rename and recalculating every
// descendant's path when one occurs.
func (m *Manager) UpdateInstance(inst codec.InstanceData) (*UpdateResult, error) {
	existing, ok := m.nodes[inst.GUID]
	if !ok {
		return m.insertInstance(inst)
	}
	return m.updateExistingInstance(existing, inst)
}

func (m *Manager) insertInstance(inst codec.InstanceData) (*UpdateResult, error) {
	parent, err := m.resolveParent(inst)
	n := newNode(inst.GUID, inst.ClassName, inst.Name, inst.Path, parent.GUID)
	n.Source = inst.Source
	m.nodes[n.GUID] = n
	m.link(n, parent)
	m.indexAdd(n)
	return &UpdateResult{Node: n, IsNew: true}, err
}

// resolveParent prefers parentGuid; on miss, falls back to path lookup;
// services (path length 1) always attach to the synthetic root.
func (m *Manager) resolveParent(inst codec.InstanceData) (*Node, error) {
	if len(inst.Path) <= 1 {
		return m.ensureRoot(), nil
	}
	if inst.ParentGUID != nil {
		if p, ok := m.nodes[*inst.ParentGUID]; ok {
			return p, nil
		}
	}
	if len(inst.Path) >= 2 {
		if p, ok := m.lookupByPath(inst.Path[:len(inst.Path)-1]); ok {
			return p, nil
		}
	}
	return m.ensureRoot(), &InconsistencyError{GUID: inst.GUID, Reason: "parent not found, attached to root"}
}

func (m *Manager) updateExistingInstance(n *Node, inst codec.InstanceData) (*UpdateResult, error) {
	prevPath := clonePath(n.Path)
	prevName := n.Name

	parent, resolveErr := m.resolveParent(inst)
	parentChanged := parent.GUID != n.ParentGUID
	nameChanged := n.Name != inst.Name
	pathChanged := !pathsEqual(n.Path, inst.Path)

	if parentChanged || nameChanged || pathChanged {
		m.unregisterSubtree(n)
		m.unlink(n)

		n.Name = inst.Name
		n.ClassName = inst.ClassName
		m.link(n, parent)

		m.recalculatePaths(n)
		m.registerSubtree(n)
	} else {
		n.ClassName = inst.ClassName
	}

	if inst.Source != nil {
		n.Source = inst.Source
	}

	result := &UpdateResult{
		Node:          n,
		IsNew:         false,
		PathChanged:   pathChanged,
		NameChanged:   nameChanged,
		ParentChanged: parentChanged,
	}
	if pathChanged {
		result.PrevPath = prevPath
	}
	if nameChanged {
		result.PrevName = prevName
	}
	return result, resolveErr
}

// recalculatePaths recomputes n.Path from its (already relinked) parent,
// then iteratively propagates the new prefix down every descendant.
func (m *Manager) recalculatePaths(n *Node) {
	if n.Parent != nil {
		n.Path = append(clonePath(n.Parent.Path), n.Name)
	} else {
		n.Path = clonePath(n.Path)
	}

	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range cur.Children {
			child.Path = append(clonePath(cur.Path), child.Name)
			queue = append(queue, child)
		}
	}
}

// unregisterSubtree removes n and every descendant from the path index
// (but not the node table) ahead of a reparent.
func (m *Manager) unregisterSubtree(n *Node) {
	m.walkSubtree(n, func(cur *Node) {
		m.indexRemove(cur)
	})
}

// registerSubtree re-adds n and every descendant to the path index after
// their paths have been recalculated.
func (m *Manager) registerSubtree(n *Node) {
	m.walkSubtree(n, func(cur *Node) {
		m.indexAdd(cur)
	})
}

func (m *Manager) walkSubtree(n *Node, fn func(*Node)) {
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		fn(cur)
		for _, child := range cur.Children {
			queue = append(queue, child)
		}
	}
}

// DeleteInstance detaches guid from its parent, then iteratively removes
// the entire subtree from the node table and path index. Returns the
// removed root node (with its Children map intact) so callers can react,
// e.g. to propagate file deletions for every descendant script.
func (m *Manager) DeleteInstance(guid string) *Node {
	n, ok := m.nodes[guid]
	if !ok {
		return nil
	}
	m.unlink(n)

	m.walkSubtree(n, func(cur *Node) {
		m.indexRemove(cur)
		delete(m.nodes, cur.GUID)
	})

	return n
}

// UpdateScriptSource applies a source-only mutation: the editor edited a
// script's body without any structural change.
func (m *Manager) UpdateScriptSource(guid, source string) error {
	n, ok := m.nodes[guid]
	if !ok {
		return &InconsistencyError{GUID: guid, Reason: "unknown guid for source update"}
	}
	n.Source = &source
	return nil
}

// GetDescendantScripts returns every script node in n's subtree,
// including n itself if n is a script node. Order is unspecified; callers
// that need deterministic output should sort with SortSiblings.
func (m *Manager) GetDescendantScripts(guid string) []*Node {
	n, ok := m.nodes[guid]
	if !ok {
		return nil
	}
	var out []*Node
	m.walkSubtree(n, func(cur *Node) {
		if cur.IsScript() {
			out = append(out, cur)
		}
	})
	return out
}

// GetNode returns the node for guid, if present.
func (m *Manager) GetNode(guid string) (*Node, bool) {
	n, ok := m.nodes[guid]
	return n, ok
}

// GetAllNodes returns every node in the tree, including the synthetic
// root if one exists. Order is unspecified.
func (m *Manager) GetAllNodes() []*Node {
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// GetScriptNodes returns every script node in the tree. Order is
// unspecified.
func (m *Manager) GetScriptNodes() []*Node {
	var out []*Node
	for _, n := range m.nodes {
		if n.IsScript() {
			out = append(out, n)
		}
	}
	return out
}

// GetRoot returns the synthetic root, if one has been created yet.
func (m *Manager) GetRoot() (*Node, bool) {
	return m.root, m.root != nil
}

// GetStats summarizes the current tree.
func (m *Manager) GetStats() Stats {
	stats := Stats{}
	for _, n := range m.nodes {
		if n.IsRoot() {
			continue
		}
		stats.TotalNodes++
		if n.IsScript() {
			stats.ScriptNodes++
		}
		if len(n.Path) == 1 {
			stats.Services++
		}
	}
	return stats
}
