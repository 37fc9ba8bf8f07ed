package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

// Call is one request moving through the dispatcher. Handlers see it as a
// registry.Invocation. Its methods must be used from the handler goroutine
// while the handler runs.
type Call struct {
	session   *Session
	req       interop.CallRequest
	state     State
	desc      registry.Descriptor
	target    any
	targetRef int64
	hasTarget bool
	args      []any
}

var _ registry.Invocation = (*Call)(nil)

func newCall(s *Session, req interop.CallRequest) *Call {
	return &Call{session: s, req: req, state: StateReceived}
}

// Request returns the call as submitted.
func (c *Call) Request() interop.CallRequest {
	return c.req
}

// State returns the current dispatcher state.
func (c *Call) State() State {
	return c.state
}

// Descriptor returns the resolved method. It is zero before resolution.
func (c *Call) Descriptor() registry.Descriptor {
	return c.desc
}

func (c *Call) Target() any {
	return c.target
}

func (c *Call) TargetRef() (int64, bool) {
	return c.targetRef, c.hasTarget
}

func (c *Call) Args() []any {
	return c.args
}

// Emit raises a host event on the owning session.
func (c *Call) Emit(name string, payload any) error {
	return c.session.emit(name, payload)
}

// Refs exposes the session reference table.
func (c *Call) Refs() registry.References {
	return c.session.table
}

func (c *Call) transition(next State) {
	if !canTransition(c.state, next) {
		panic(fmt.Sprintf("dispatch: illegal transition %s -> %s for call %q", c.state, next, c.req.CallID))
	}
	log.Trace().
		Str("session", c.session.id).
		Str("call_id", c.req.CallID).
		Str("from", c.state.String()).
		Str("to", next.String()).
		Msg("dispatch.Call transition")
	c.state = next
}

// route is the label used in diagnostics. The resolved module wins once known.
func (c *Call) route() string {
	if c.desc.ModuleID != "" {
		return interop.Route(c.desc.ModuleID, c.desc.MethodID)
	}
	return c.req.Route()
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// encodeResult renders a handler result as a completion payload. Capable
// results are allocated in the table and returned as {"ref": id}.
func (c *Call) encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case interop.Capable:
		id := c.session.table.Allocate(v, v.Capability())
		raw, err := json.Marshal(interop.RefPayload{Ref: id})
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case json.RawMessage:
		if len(v) == 0 {
			return "null", nil
		}
		if !json.Valid(v) {
			return "", fmt.Errorf("handler returned invalid raw JSON")
		}
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
