// Package builtin holds the modules the daemon can expose without any
// application code: the browser location bridge and a demo module used for
// smoke tests.
package builtin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/callbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownModule = errors.New("builtin: unknown module")
	ErrModuleNil     = errors.New("builtin: module is nil")
)

// Module installs a set of methods into a registry.
type Module interface {
	ID() string
	Install(reg *registry.Registry) error
}

var catalog = map[string]func() Module{
	ServerModuleID: func() Module { return NewServerModule() },
	DemoModuleID:   func() Module { return NewDemoModule() },
}

// Names returns the catalog ids in order.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for id := range catalog {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lookup builds a fresh instance of the catalog module id.
func Lookup(id string) (Module, error) {
	factory, ok := catalog[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	return factory(), nil
}

// Register installs the named catalog modules. An empty list installs every
// module.
func Register(reg *registry.Registry, ids ...string) error {
	if len(ids) == 0 {
		ids = Names()
	}
	for _, id := range ids {
		mod, err := Lookup(id)
		if err != nil {
			return err
		}
		if err := Install(reg, mod); err != nil {
			return err
		}
	}
	return nil
}

// Install adds mod to reg.
func Install(reg *registry.Registry, mod Module) error {
	if mod == nil {
		return ErrModuleNil
	}
	before := reg.Len()
	if err := mod.Install(reg); err != nil {
		return fmt.Errorf("install %s: %w", mod.ID(), err)
	}
	log.Info().Str("module", mod.ID()).Int("methods", reg.Len()-before).Msg("builtin.Install")
	return nil
}
