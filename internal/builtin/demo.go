package builtin

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/registry"
)

const (
	DemoModuleID = "demo"

	CapabilityInformation     interop.Capability = "demo.Information"
	CapabilityImportantInfo   interop.Capability = "demo.ImportantInformation"
	CapabilityTrivialInfo     interop.Capability = "demo.TrivialInformation"
	defaultInformationMessage                    = "Message"
	defaultImportantMessage                      = "Important"
	defaultTrivialMessage                        = "Trivial"
)

type Information struct {
	Message string
}

func (*Information) Capability() interop.Capability { return CapabilityInformation }

type ImportantInformation struct {
	Message string
}

func (*ImportantInformation) Capability() interop.Capability { return CapabilityImportantInfo }

type TrivialInformation struct {
	Message string
}

func (*TrivialInformation) Capability() interop.Capability { return CapabilityTrivialInfo }

// DemoModule exercises static calls, instance calls and reference arguments.
type DemoModule struct{}

func NewDemoModule() *DemoModule {
	return &DemoModule{}
}

func (m *DemoModule) ID() string {
	return DemoModuleID
}

func (m *DemoModule) Install(reg *registry.Registry) error {
	table := []struct {
		module string
		method string
		desc   registry.Descriptor
	}{
		{DemoModuleID, "CreateInformation", registry.Descriptor{Handler: createInformation}},
		{DemoModuleID, "CreateImportant", registry.Descriptor{Handler: createImportant}},
		{DemoModuleID, "CreateTrivial", registry.Descriptor{Handler: createTrivial}},
		{DemoModuleID, "ReceiveTrivial", registry.Descriptor{
			Params:  []interop.TypeTag{interop.Ref(CapabilityTrivialInfo)},
			Handler: receiveTrivial,
		}},
		{DemoModuleID, "Echo", registry.Descriptor{
			Params:  []interop.TypeTag{interop.Raw()},
			Handler: echo,
		}},
		{DemoModuleID, "Add", registry.Descriptor{
			Params:  []interop.TypeTag{interop.Int(), interop.Int()},
			Handler: add,
		}},
		{DemoModuleID, "Fail", registry.Descriptor{
			Params:  []interop.TypeTag{interop.String()},
			Handler: fail,
		}},
		{string(CapabilityInformation), "Reverse", registry.Descriptor{
			RequiresInstance: true,
			Handler:          reverse,
		}},
		{string(CapabilityInformation), "Dispose", registry.Descriptor{
			RequiresInstance: true,
			Handler:          dispose,
		}},
	}
	for _, entry := range table {
		if err := reg.Register(entry.module, entry.method, entry.desc); err != nil {
			return err
		}
	}
	return nil
}

func createInformation(context.Context, registry.Invocation) (any, error) {
	return &Information{Message: defaultInformationMessage}, nil
}

func createImportant(context.Context, registry.Invocation) (any, error) {
	return &ImportantInformation{Message: defaultImportantMessage}, nil
}

func createTrivial(context.Context, registry.Invocation) (any, error) {
	return &TrivialInformation{Message: defaultTrivialMessage}, nil
}

func receiveTrivial(_ context.Context, call registry.Invocation) (any, error) {
	return call.Args()[0].(*TrivialInformation).Message, nil
}

func echo(_ context.Context, call registry.Invocation) (any, error) {
	return call.Args()[0].(json.RawMessage), nil
}

func add(_ context.Context, call registry.Invocation) (any, error) {
	args := call.Args()
	return args[0].(int64) + args[1].(int64), nil
}

func fail(_ context.Context, call registry.Invocation) (any, error) {
	return nil, errors.New(call.Args()[0].(string))
}

func reverse(_ context.Context, call registry.Invocation) (any, error) {
	runes := []rune(call.Target().(*Information).Message)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

func dispose(_ context.Context, call registry.Invocation) (any, error) {
	id, _ := call.TargetRef()
	return nil, call.Refs().Release(id)
}
