// Package packer implements the `pack` command: connect, request a full
// property-bearing snapshot, and overlay properties/attributes onto the
// sourcemap.
package packer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
	"github.com/Ransomwave/azul/pkg/logging"
)

func decodeJSON(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func stampTime() time.Time { return time.Now() }

// SnapshotTimeout is the deadline for the editor to answer a requestSnapshot
// during pack.
const SnapshotTimeout = 30 * time.Second

// Conn is the transport subset the packer depends on. Matched against
// transport.MessageHandler directly so *transport.Server satisfies it
// without an adapter.
type Conn interface {
	OnMessage(fn transport.MessageHandler)
	Send(t codec.Type, payload any) error
}

// Packer runs the pack operation against an already-connected transport.
type Packer struct {
	logger *logging.Logger
}

// New returns a Packer.
func New(logger *logging.Logger) *Packer {
	if logger == nil {
		logger = logging.Default("packer")
	}
	return &Packer{logger: logger}
}

// Pack requests a full property-bearing snapshot over conn, waits up to
// SnapshotTimeout, and returns the packed sourcemap root. mode is
// stamped into the root's `_azul.mode` field.
func (p *Packer) Pack(ctx context.Context, conn Conn, mode string, scriptsAndDescendantsOnly bool, existing *sourcemap.Node) (*sourcemap.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, SnapshotTimeout)
	defer cancel()

	snapshotCh := make(chan []codec.InstanceData, 1)
	conn.OnMessage(func(t codec.Type, raw []byte) {
		if t != codec.TypeFullSnapshot {
			return
		}
		var msg codec.FullSnapshot
		if err := decodeJSON(raw, &msg); err != nil {
			p.logger.Warn("packer: malformed fullSnapshot", "error", err)
			return
		}
		select {
		case snapshotCh <- msg.Data:
		default:
		}
	})

	if err := conn.Send(codec.TypeRequestSnapshot, codec.RequestSnapshot{
		IncludeProperties:         true,
		ScriptsAndDescendantsOnly: scriptsAndDescendantsOnly,
	}); err != nil {
		return nil, &SnapshotTimeoutError{Err: err}
	}

	select {
	case data := <-snapshotCh:
		return p.buildPacked(data, mode, existing), nil
	case <-ctx.Done():
		return nil, &SnapshotTimeoutError{Err: ctx.Err()}
	}
}

// buildPacked regenerates the instance tree preserving known filePaths,
// overlays properties/attributes, and stamps the _azul metadata.
func (p *Packer) buildPacked(data []codec.InstanceData, mode string, existing *sourcemap.Node) *sourcemap.Node {
	byGUID := make(map[string]*sourcemap.Node)
	var byPathClass map[string][]*sourcemap.Node
	if existing != nil {
		byPathClass = make(map[string][]*sourcemap.Node)
		// existing is rooted at the synthetic "Game" node; instance paths
		// from the snapshot start at the service, so walk the root's
		// children directly rather than the root itself.
		for _, svc := range existing.Children {
			walkExisting(svc, nil, byGUID, byPathClass)
		}
	}

	cursors := make(map[string]int)
	root := sourcemap.NewRoot()
	nodesByGUID := make(map[string]*sourcemap.Node)

	services := topLevel(data)
	for _, inst := range services {
		child := p.buildInstanceNode(inst, data, byGUID, byPathClass, cursors, nodesByGUID)
		root.Children = append(root.Children, child)
	}

	// Every node was constructed directly from its instance's guid, so
	// the property/attribute overlay below is guid-exact by construction;
	// the (path, className) ambiguity only arises when matching against a
	// sourcemap that predates the snapshot's guids, which the filePaths
	// preservation above already handles.
	for _, inst := range data {
		node, ok := nodesByGUID[inst.GUID]
		if !ok {
			continue
		}
		if inst.Properties != nil {
			node.Properties = inst.Properties
		}
		if inst.Attributes != nil {
			node.Attributes = inst.Attributes
		}
	}

	root.Azul = sourcemap.NewMeta(mode, stampTime())
	return root
}

func (p *Packer) buildInstanceNode(inst codec.InstanceData, all []codec.InstanceData, byGUID map[string]*sourcemap.Node, byPathClass map[string][]*sourcemap.Node, cursors map[string]int, nodesByGUID map[string]*sourcemap.Node) *sourcemap.Node {
	node := &sourcemap.Node{Name: inst.Name, ClassName: inst.ClassName, GUID: inst.GUID}

	if prior, ok := byGUID[inst.GUID]; ok {
		node.FilePaths = prior.FilePaths
	} else if byPathClass != nil {
		key := pathClassKey(inst.Path, inst.ClassName)
		if bucket := byPathClass[key]; len(bucket) > 0 {
			idx := cursors[key]
			if idx < len(bucket) {
				node.FilePaths = bucket[idx].FilePaths
				cursors[key] = idx + 1
			}
		}
	}

	nodesByGUID[inst.GUID] = node

	for _, child := range childrenOf(inst, all) {
		node.Children = append(node.Children, p.buildInstanceNode(child, all, byGUID, byPathClass, cursors, nodesByGUID))
	}
	return node
}

func topLevel(data []codec.InstanceData) []codec.InstanceData {
	var out []codec.InstanceData
	for _, inst := range data {
		if len(inst.Path) == 1 {
			out = append(out, inst)
		}
	}
	return out
}

func childrenOf(parent codec.InstanceData, all []codec.InstanceData) []codec.InstanceData {
	var out []codec.InstanceData
	for _, inst := range all {
		if inst.ParentGUID != nil && *inst.ParentGUID == parent.GUID {
			out = append(out, inst)
			continue
		}
		if inst.ParentGUID == nil && len(inst.Path) == len(parent.Path)+1 && pathHasPrefix(inst.Path, parent.Path) {
			out = append(out, inst)
		}
	}
	return out
}

func pathHasPrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func walkExisting(n *sourcemap.Node, path []string, byGUID map[string]*sourcemap.Node, byPathClass map[string][]*sourcemap.Node) {
	cur := append(append([]string(nil), path...), n.Name)
	if n.GUID != "" {
		byGUID[n.GUID] = n
		key := pathClassKey(cur, n.ClassName)
		byPathClass[key] = append(byPathClass[key], n)
	}
	for _, c := range n.Children {
		walkExisting(c, cur, byGUID, byPathClass)
	}
}

func pathClassKey(path []string, className string) string {
	return className + "|" + fmt.Sprint(path)
}

// SnapshotTimeoutError marks a pack request that did not receive a
// fullSnapshot within SnapshotTimeout. It is also returned when the
// requestSnapshot message cannot be sent. Fatal only to the pack command
// invocation, not the daemon.
type SnapshotTimeoutError struct {
	Err error
}

func (e *SnapshotTimeoutError) Error() string {
	return "packer: snapshot request timed out: " + e.Err.Error()
}

func (e *SnapshotTimeoutError) Unwrap() error { return e.Err }
