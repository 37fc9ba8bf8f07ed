package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/callbridge/internal/builtin"
	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/protocol/schema"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/danmuck/callbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (string, *dispatch.Host) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.Register(reg))
	host := dispatch.NewHost(reg, dispatch.HostOptions{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(host, Config{WriteTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		host.Close()
	})
	return ln.Addr().String(), host
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallCompletesOverTCP(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.Call(interop.CallRequest{CallID: "1", ModuleID: "demo", MethodID: "Add", ArgsJSON: "[2, 2]"}))
	msg, err := c.Next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, schema.MsgCompletion, msg.Type)
	require.True(t, msg.Completion.Success)
	require.JSONEq(t, "4", msg.Completion.PayloadJSON)
}

func TestEventPrecedesCompletion(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.Call(interop.CallRequest{
		CallID:   "9",
		ModuleID: builtin.ServerModuleID,
		MethodID: "NotifyLocationChanged",
		ArgsJSON: `["/counter", false]`,
	}))
	msg, err := c.Next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, schema.MsgEvent, msg.Type)
	require.Equal(t, builtin.EventUIUpdate, msg.Event.Name)

	msg, err = c.Next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, schema.MsgCompletion, msg.Type)
	require.Equal(t, "9", msg.Completion.CallID)
}

func TestReleaseUnknownReportsError(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.Release(5))
	msg, err := c.Next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, schema.MsgError, msg.Type)
	require.True(t, msg.Error.HasRef)
	require.Equal(t, int64(5), msg.Error.Ref)
	require.Contains(t, msg.Error.Reason, "UnknownReference")

	require.NoError(t, c.Call(interop.CallRequest{CallID: "2", ModuleID: "demo", MethodID: "Add", ArgsJSON: "[1, 1]"}))
	msg, err = c.Next(2 * time.Second)
	require.NoError(t, err)
	require.True(t, msg.Completion.Success)
}

func TestUnknownTargetClosesConnection(t *testing.T) {
	testlog.Start(t)
	addr, host := startServer(t)
	c := dial(t, addr)

	require.NoError(t, c.Call(interop.CallRequest{CallID: "1", MethodID: "Reverse", TargetRef: interop.TargetOf(99), ArgsJSON: "[]"}))
	_, err := c.Next(2 * time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, io.EOF) || isReset(err), "unexpected error: %v", err)

	require.Eventually(t, func() bool { return host.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
