package interop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Capability names the type of an object that crosses the boundary as an
// opaque reference id.
type Capability string

// Capable is implemented by values that must be returned to the host as a
// reference rather than inlined JSON.
type Capable interface {
	Capability() Capability
}

// TypeKind is the primitive shape of a declared parameter.
type TypeKind uint8

const (
	TypeString TypeKind = iota + 1
	TypeInt
	TypeFloat
	TypeBool
	TypeObject
	TypeArray
	TypeRaw
	TypeRef
)

var typeKindNames = map[TypeKind]string{
	TypeString: "string",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeBool:   "bool",
	TypeObject: "object",
	TypeArray:  "array",
	TypeRaw:    "raw",
	TypeRef:    "ref",
}

func (k TypeKind) String() string {
	if name, ok := typeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TypeTag declares one parameter type. Capability is set only for TypeRef.
type TypeTag struct {
	Kind       TypeKind
	Capability Capability
}

func String() TypeTag { return TypeTag{Kind: TypeString} }
func Int() TypeTag    { return TypeTag{Kind: TypeInt} }
func Float() TypeTag  { return TypeTag{Kind: TypeFloat} }
func Bool() TypeTag   { return TypeTag{Kind: TypeBool} }
func Object() TypeTag { return TypeTag{Kind: TypeObject} }
func Array() TypeTag  { return TypeTag{Kind: TypeArray} }
func Raw() TypeTag    { return TypeTag{Kind: TypeRaw} }
func Ref(c Capability) TypeTag {
	return TypeTag{Kind: TypeRef, Capability: c}
}

// IsRef reports whether the tag is a reference-capability type.
func (t TypeTag) IsRef() bool {
	return t.Kind == TypeRef
}

func (t TypeTag) String() string {
	if t.IsRef() {
		return fmt.Sprintf("ref(%s)", t.Capability)
	}
	return t.Kind.String()
}

// CallRequest is one host->managed invocation. CallID is echoed, never parsed.
type CallRequest struct {
	CallID    string `json:"call_id"`
	ModuleID  string `json:"module_id,omitempty"`
	MethodID  string `json:"method_id"`
	TargetRef *int64 `json:"target_ref,omitempty"`
	ArgsJSON  string `json:"args_json"`
}

// HasTarget reports whether the request addresses an instance reference.
func (r CallRequest) HasTarget() bool {
	return r.TargetRef != nil
}

// Route renders module/method for logs and diagnostics.
func (r CallRequest) Route() string {
	return Route(r.ModuleID, r.MethodID)
}

// Route renders a module/method pair.
func Route(moduleID, methodID string) string {
	if strings.TrimSpace(moduleID) == "" {
		return methodID
	}
	return moduleID + "/" + methodID
}

// TargetOf returns a pointer to id, for building CallRequest.TargetRef.
func TargetOf(id int64) *int64 {
	return &id
}

// RefPayload is the wire shape of a reference id, both for results and for
// reference-typed arguments.
type RefPayload struct {
	Ref int64 `json:"ref"`
}

// CompletionEvent is the single answer to an accepted call.
type CompletionEvent struct {
	CallID      string
	Success     bool
	PayloadJSON string
}

// MarshalJSON encodes the event as [call_id, success, result_or_error].
func (e CompletionEvent) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage(e.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal([]any{e.CallID, e.Success, payload})
}

// UnmarshalJSON decodes the 3-element array form.
func (e *CompletionEvent) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("interop: completion expects 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.CallID); err != nil {
		return fmt.Errorf("interop: completion call_id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Success); err != nil {
		return fmt.Errorf("interop: completion success flag: %w", err)
	}
	e.PayloadJSON = string(parts[2])
	return nil
}

// HostEvent is a managed->host callback raised by a target during execution.
type HostEvent struct {
	Name        string
	PayloadJSON string
}
