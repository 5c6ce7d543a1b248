// Package tree is the authoritative in-memory mirror of the editor's
// DataModel: the GUID-keyed node table, the parent/child graph, and the
// path index used to resolve same-name-sibling ambiguity.
package tree

// RootGUID is the identity of the synthetic root created lazily to host
// every top-level service.
const RootGUID = "root"

// RootClassName is the className of the synthetic root.
const RootClassName = "DataModel"

// scriptClassNames are the classNames that make a node a "script node".
var scriptClassNames = map[string]bool{
	"Script":       true,
	"LocalScript":  true,
	"ModuleScript": true,
}

// IsScriptClassName reports whether className denotes a script node.
func IsScriptClassName(className string) bool {
	return scriptClassNames[className]
}

// Node is one instance in the mirrored tree. The zero value is not
// useful; construct via newNode.
type Node struct {
	GUID       string
	ClassName  string
	Name       string
	Path       []string
	ParentGUID string // "" only for the synthetic root
	Source     *string

	Children map[string]*Node // guid -> child
	Parent   *Node            // weak back-reference: relation only, never ownership
}

// IsScript reports whether this node is a script node.
func (n *Node) IsScript() bool {
	return IsScriptClassName(n.ClassName)
}

// IsRoot reports whether this is the synthetic root.
func (n *Node) IsRoot() bool {
	return n.GUID == RootGUID
}

func newNode(guid, className, name string, path []string, parentGUID string) *Node {
	return &Node{
		GUID:       guid,
		ClassName:  className,
		Name:       name,
		Path:       append([]string(nil), path...),
		ParentGUID: parentGUID,
		Children:   make(map[string]*Node),
	}
}

func newSyntheticRoot() *Node {
	return &Node{
		GUID:      RootGUID,
		ClassName: RootClassName,
		Name:      "",
		Path:      nil,
		Children:  make(map[string]*Node),
	}
}

// clonePath returns a defensive copy of a path slice.
func clonePath(path []string) []string {
	return append([]string(nil), path...)
}
