// Package codec serializes and deserializes the framed JSON messages
// exchanged with the Roblox Studio companion over the WebSocket
// connection. Each WebSocket text frame carries exactly one JSON object;
// the frame boundary itself supplies the length-delimiting, so this
// package owns only the envelope/tag handling, not a byte-counted prefix.
package codec

import "encoding/json"

// Type is the "type" discriminator carried by every message.
type Type string

const (
	// Editor -> daemon.
	TypeFullSnapshot        Type = "fullSnapshot"
	TypeInstanceUpdated     Type = "instanceUpdated"
	TypeInstanceDeleted     Type = "instanceDeleted"
	TypeScriptSourceChanged Type = "scriptSourceChanged"

	// Daemon -> editor.
	TypeRequestSnapshot Type = "requestSnapshot"
	TypeBuildSnapshot   Type = "buildSnapshot"
	TypeApplyPatch      Type = "applyPatch"
)

// InstanceData is the wire representation of one editor instance.
type InstanceData struct {
	GUID       string         `json:"guid"`
	ClassName  string         `json:"className"`
	Name       string         `json:"name"`
	Path       []string       `json:"path"`
	ParentGUID *string        `json:"parentGuid,omitempty"`
	Source     *string        `json:"source,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// FullSnapshot is sent by the editor on connect or on request.
type FullSnapshot struct {
	Data []InstanceData `json:"data"`
}

// InstanceUpdated is sent by the editor for any create/rename/move/edit
// of a single instance.
type InstanceUpdated struct {
	Data InstanceData `json:"data"`
}

// InstanceDeleted is sent by the editor when an instance (and its
// subtree) is removed.
type InstanceDeleted struct {
	GUID string `json:"guid"`
}

// ScriptSourceChanged carries a script body edit, in either direction.
type ScriptSourceChanged struct {
	GUID   string `json:"guid"`
	Source string `json:"source"`
}

// RequestSnapshot is sent by the daemon to ask the editor for a fresh
// fullSnapshot.
type RequestSnapshot struct {
	IncludeProperties         bool `json:"includeProperties,omitempty"`
	ScriptsAndDescendantsOnly bool `json:"scriptsAndDescendantsOnly,omitempty"`
}

// BuildSnapshot is sent by the daemon (the `push` command) to ask the
// editor to apply a locally-authored instance tree.
type BuildSnapshot struct {
	Data []InstanceData `json:"data"`
}

// PatchOp is one structural edit within an applyPatch message.
type PatchOp struct {
	Kind       string         `json:"kind"` // "create", "update", "delete"
	GUID       string         `json:"guid"`
	ClassName  string         `json:"className,omitempty"`
	Name       string         `json:"name,omitempty"`
	ParentGUID string         `json:"parentGuid,omitempty"`
	Source     *string        `json:"source,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ApplyPatch carries a batch of structural edits for the editor to apply
// in order.
type ApplyPatch struct {
	Operations []PatchOp `json:"operations"`
}

// envelope is used only to sniff the discriminator; payload unmarshal
// happens separately into the concrete type.
type envelope struct {
	Type Type `json:"type"`
}

// Decode reads the "type" discriminator out of a raw frame. Callers then
// unmarshal raw into the concrete struct matching the returned Type.
// An error here means the frame is not even a JSON object carrying a
// "type" field - treated as a malformed frame that closes the connection
// (a recognized-but-invalid payload is a different failure mode entirely).
func Decode(raw []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", errEmptyType
	}
	return env.Type, nil
}

var errEmptyType = &DecodeError{Reason: "missing \"type\" field"}

// DecodeError marks a frame that could not even be sniffed for its type.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "codec: " + e.Reason }

// Encode marshals a message type with its "type" discriminator injected
// alongside the payload's own fields.
func Encode(t Type, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeJSON, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON
	return json.Marshal(fields)
}

// IsKnownType reports whether t is one of the discriminators this codec
// understands. Unknown types are logged and skipped, not treated as a
// protocol error.
func IsKnownType(t Type) bool {
	switch t {
	case TypeFullSnapshot, TypeInstanceUpdated, TypeInstanceDeleted, TypeScriptSourceChanged,
		TypeRequestSnapshot, TypeBuildSnapshot, TypeApplyPatch:
		return true
	default:
		return false
	}
}
