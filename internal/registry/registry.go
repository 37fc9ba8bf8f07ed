package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/rs/zerolog/log"
)

// Handler executes one resolved method. target is the redeemed instance for
// instance methods and nil for static ones.
type Handler func(ctx context.Context, call Invocation) (any, error)

// Invocation is the execution-time view a handler receives. The dispatcher
// supplies the concrete implementation.
type Invocation interface {
	Target() any
	TargetRef() (int64, bool)
	Args() []any
	Emit(name string, payload any) error
	Refs() References
}

// References is the managed-side view of the session reference table.
type References interface {
	Allocate(obj any, capability interop.Capability) int64
	Release(id int64) error
}

// Descriptor describes one callable. Params is the ordered parameter list.
// Receiver is the capability an instance target must carry.
type Descriptor struct {
	ModuleID         string
	MethodID         string
	Params           []interop.TypeTag
	RequiresInstance bool
	Receiver         interop.Capability
	Handler          Handler
}

type methodKey struct {
	module string
	method string
}

// Registry maps (module id, method id) to descriptors. Registration happens
// on a single goroutine during startup and is not safe for concurrent use.
// After Freeze the registry is read-only and safe to share across sessions
// without locking.
type Registry struct {
	items  map[methodKey]Descriptor
	frozen atomic.Bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{items: make(map[methodKey]Descriptor)}
}

// Register adds desc under (moduleID, methodID). Identifiers are stored
// verbatim; lookup is case-sensitive.
func (r *Registry) Register(moduleID, methodID string, desc Descriptor) error {
	if r.frozen.Load() {
		return interop.Errorf(interop.KindRegistryFrozen, "cannot register %s after startup", interop.Route(moduleID, methodID))
	}
	if strings.TrimSpace(moduleID) == "" {
		return interop.Errorf(interop.KindEmptyIdentifier, "module id is required")
	}
	if strings.TrimSpace(methodID) == "" {
		return interop.Errorf(interop.KindEmptyIdentifier, "method id is required")
	}
	if desc.Handler == nil {
		return fmt.Errorf("registry: %s has no handler", interop.Route(moduleID, methodID))
	}
	if desc.RequiresInstance && desc.Receiver == "" {
		desc.Receiver = interop.Capability(moduleID)
	}
	for i, p := range desc.Params {
		if p.IsRef() && p.Capability == "" {
			return fmt.Errorf("registry: %s param %d is a reference without capability", interop.Route(moduleID, methodID), i)
		}
	}

	key := methodKey{module: moduleID, method: methodID}
	if _, ok := r.items[key]; ok {
		log.Error().Str("module", moduleID).Str("method", methodID).Msg("registry.Register duplicate")
		return interop.Errorf(interop.KindDuplicateRegistration, "%s is already registered", interop.Route(moduleID, methodID))
	}
	desc.ModuleID = moduleID
	desc.MethodID = methodID
	desc.Params = append([]interop.TypeTag(nil), desc.Params...)
	r.items[key] = desc
	log.Debug().
		Str("module", moduleID).
		Str("method", methodID).
		Int("params", len(desc.Params)).
		Bool("instance", desc.RequiresInstance).
		Msg("registry.Register")
	return nil
}

// MustRegister is Register for startup tables that cannot fail.
func (r *Registry) MustRegister(moduleID, methodID string, desc Descriptor) {
	if err := r.Register(moduleID, methodID, desc); err != nil {
		panic(err)
	}
}

// Freeze closes the registration window.
func (r *Registry) Freeze() {
	if r.frozen.CompareAndSwap(false, true) {
		log.Info().Int("methods", len(r.items)).Msg("registry.Freeze")
	}
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Resolve returns the descriptor for an exact (moduleID, methodID) match.
func (r *Registry) Resolve(moduleID, methodID string) (Descriptor, error) {
	desc, ok := r.items[methodKey{module: moduleID, method: methodID}]
	if !ok {
		return Descriptor{}, interop.Errorf(
			interop.KindNotFound,
			"module '%s' does not contain an invokable method '%s'",
			moduleID,
			methodID,
		)
	}
	return desc, nil
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	return len(r.items)
}

// List returns descriptors ordered by module then method.
func (r *Registry) List() []Descriptor {
	list := make([]Descriptor, 0, len(r.items))
	for _, desc := range r.items {
		list = append(list, desc)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ModuleID != list[j].ModuleID {
			return list[i].ModuleID < list[j].ModuleID
		}
		return list[i].MethodID < list[j].MethodID
	})
	return list
}
