package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/stretchr/testify/require"
)

type information struct{ Message string }

func (*information) Capability() interop.Capability { return "demo.Information" }

type importantInfo struct{ Text string }

func (*importantInfo) Capability() interop.Capability { return "demo.ImportantInformation" }

type trivialInfo struct{ Text string }

func (*trivialInfo) Capability() interop.Capability { return "demo.TrivialInformation" }

type explodingResult struct{}

func (explodingResult) MarshalJSON() ([]byte, error) {
	panic("result encoder exploded")
}

type fixture struct {
	reg           *registry.Registry
	trivialCalls  atomic.Int64
	blockStarted  chan struct{}
	blockCanceled chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:           registry.New(),
		blockStarted:  make(chan struct{}, 1),
		blockCanceled: make(chan struct{}, 1),
	}
	r := f.reg
	r.MustRegister("demo", "CreateInformation", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			return &information{Message: "Message"}, nil
		},
	})
	r.MustRegister("demo.Information", "Reverse", registry.Descriptor{
		RequiresInstance: true,
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			msg := []rune(call.Target().(*information).Message)
			for i, j := 0, len(msg)-1; i < j; i, j = i+1, j-1 {
				msg[i], msg[j] = msg[j], msg[i]
			}
			return string(msg), nil
		},
	})
	r.MustRegister("bridge.server", "NotifyLocationChanged", registry.Descriptor{
		Params: []interop.TypeTag{interop.String(), interop.Bool()},
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			args := call.Args()
			return nil, call.Emit("ui.update", map[string]any{
				"location":    args[0],
				"intercepted": args[1],
			})
		},
	})
	r.MustRegister("demo", "CreateImportant", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			return &importantInfo{Text: "important"}, nil
		},
	})
	r.MustRegister("demo", "CreateTrivial", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			return &trivialInfo{Text: "trivial"}, nil
		},
	})
	r.MustRegister("demo", "ReceiveTrivial", registry.Descriptor{
		Params: []interop.TypeTag{interop.Ref("demo.TrivialInformation")},
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			f.trivialCalls.Add(1)
			return call.Args()[0].(*trivialInfo).Text, nil
		},
	})
	r.MustRegister("demo", "Add", registry.Descriptor{
		Params: []interop.TypeTag{interop.Int(), interop.Int()},
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			args := call.Args()
			return args[0].(int64) + args[1].(int64), nil
		},
	})
	r.MustRegister("demo", "Fail", registry.Descriptor{
		Params: []interop.TypeTag{interop.String()},
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			return nil, errors.New(call.Args()[0].(string))
		},
	})
	r.MustRegister("demo", "Panic", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			panic("boom")
		},
	})
	r.MustRegister("demo", "Raw", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	})
	r.MustRegister("demo", "Explode", registry.Descriptor{
		Handler: func(context.Context, registry.Invocation) (any, error) {
			return explodingResult{}, nil
		},
	})
	r.MustRegister("demo", "EmitRaw", registry.Descriptor{
		Params: []interop.TypeTag{interop.String()},
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			return nil, call.Emit("raw", json.RawMessage(call.Args()[0].(string)))
		},
	})
	r.MustRegister("demo", "EmitUnnamed", registry.Descriptor{
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			return nil, call.Emit(" ", nil)
		},
	})
	r.MustRegister("demo", "ReleaseMissing", registry.Descriptor{
		Handler: func(_ context.Context, call registry.Invocation) (any, error) {
			return nil, call.Refs().Release(999)
		},
	})
	r.MustRegister("demo", "Block", registry.Descriptor{
		Handler: func(ctx context.Context, _ registry.Invocation) (any, error) {
			f.blockStarted <- struct{}{}
			<-ctx.Done()
			f.blockCanceled <- struct{}{}
			return "late", nil
		},
	})
	r.Freeze()
	return f
}

type recorder struct {
	completions chan interop.CompletionEvent
	events      chan interop.HostEvent
}

func newRecorder() *recorder {
	return &recorder{
		completions: make(chan interop.CompletionEvent, 64),
		events:      make(chan interop.HostEvent, 64),
	}
}

func (r *recorder) onCompletion(ev interop.CompletionEvent) { r.completions <- ev }
func (r *recorder) onEvent(ev interop.HostEvent)            { r.events <- ev }

func (r *recorder) next(t *testing.T) interop.CompletionEvent {
	t.Helper()
	select {
	case ev := <-r.completions:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return interop.CompletionEvent{}
	}
}

func (r *recorder) nextEvent(t *testing.T) interop.HostEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host event")
		return interop.HostEvent{}
	}
}

func (r *recorder) requireNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.completions:
		t.Fatalf("unexpected completion %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fixture) open(t *testing.T) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := NewSession(f.reg, SessionOptions{OnCompletion: rec.onCompletion, OnEvent: rec.onEvent})
	t.Cleanup(s.Close)
	return s, rec
}

func diagnostic(t *testing.T, ev interop.CompletionEvent) string {
	t.Helper()
	require.False(t, ev.Success, "expected failure, got %s", ev.PayloadJSON)
	var msg string
	require.NoError(t, json.Unmarshal([]byte(ev.PayloadJSON), &msg))
	return msg
}

func refOf(t *testing.T, ev interop.CompletionEvent) int64 {
	t.Helper()
	require.True(t, ev.Success, ev.PayloadJSON)
	var ref interop.RefPayload
	require.NoError(t, json.Unmarshal([]byte(ev.PayloadJSON), &ref))
	return ref.Ref
}

func call(id, module, method, args string) interop.CallRequest {
	return interop.CallRequest{CallID: id, ModuleID: module, MethodID: method, ArgsJSON: args}
}

func targetCall(id, module, method string, target int64, args string) interop.CallRequest {
	req := call(id, module, method, args)
	req.TargetRef = interop.TargetOf(target)
	return req
}
