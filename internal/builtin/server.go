package builtin

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/registry"
)

const (
	ServerModuleID = "bridge.server"
	EventUIUpdate  = "ui.update"
)

// LocationUpdate is the payload of a ui.update host event.
type LocationUpdate struct {
	Location    string `json:"location"`
	Intercepted bool   `json:"intercepted"`
	Sequence    int64  `json:"sequence"`
}

// ServerModule answers browser navigation notifications by asking the host to
// re-render.
type ServerModule struct {
	sequence atomic.Int64
}

func NewServerModule() *ServerModule {
	return &ServerModule{}
}

func (m *ServerModule) ID() string {
	return ServerModuleID
}

func (m *ServerModule) Install(reg *registry.Registry) error {
	return reg.Register(ServerModuleID, "NotifyLocationChanged", registry.Descriptor{
		Params:  []interop.TypeTag{interop.String(), interop.Bool()},
		Handler: m.notifyLocationChanged,
	})
}

func (m *ServerModule) notifyLocationChanged(_ context.Context, call registry.Invocation) (any, error) {
	args := call.Args()
	update := LocationUpdate{
		Location:    args[0].(string),
		Intercepted: args[1].(bool),
		Sequence:    m.sequence.Add(1),
	}
	if err := call.Emit(EventUIUpdate, update); err != nil {
		return nil, err
	}
	return nil, nil
}
