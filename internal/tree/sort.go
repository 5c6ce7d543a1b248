package tree

import "sort"

// SortSiblings orders nodes by (name, className, guid) lexicographic
// ascending: the deterministic tie-break every freshly-projected output
// (file listings, sourcemap subtrees) needs when same-name siblings
// exist.
func SortSiblings(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.ClassName != b.ClassName {
			return a.ClassName < b.ClassName
		}
		return a.GUID < b.GUID
	})
}

// SortedChildren returns the children of n as a slice, ordered per
// SortSiblings.
func SortedChildren(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c)
	}
	SortSiblings(out)
	return out
}
