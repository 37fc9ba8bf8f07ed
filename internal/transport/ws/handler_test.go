package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/danmuck/callbridge/internal/builtin"
	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/danmuck/callbridge/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) (*websocket.Conn, *dispatch.Host) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.Register(reg))
	host := dispatch.NewHost(reg, dispatch.HostOptions{})
	srv := httptest.NewServer(NewHandler(host, Options{}))
	t.Cleanup(func() {
		srv.Close()
		host.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, host
}

func send(t *testing.T, conn *websocket.Conn, in Inbound) {
	t.Helper()
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out Outbound
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func completionOf(t *testing.T, out Outbound) interop.CompletionEvent {
	t.Helper()
	require.Equal(t, TypeCompletion, out.Type)
	var ev interop.CompletionEvent
	require.NoError(t, json.Unmarshal(out.Payload, &ev))
	return ev
}

func TestInstanceCallOverWebsocket(t *testing.T) {
	testlog.Start(t)
	conn, _ := connect(t)

	send(t, conn, Inbound{Type: TypeCall, CallRequest: interop.CallRequest{CallID: "1", ModuleID: "demo", MethodID: "CreateInformation", ArgsJSON: "[]"}})
	ev := completionOf(t, recv(t, conn))
	require.True(t, ev.Success)
	require.JSONEq(t, `{"ref":1}`, ev.PayloadJSON)

	send(t, conn, Inbound{Type: TypeCall, CallRequest: interop.CallRequest{CallID: "2", MethodID: "Reverse", TargetRef: interop.TargetOf(1), ArgsJSON: "[]"}})
	ev = completionOf(t, recv(t, conn))
	require.Equal(t, "2", ev.CallID)
	require.JSONEq(t, `"egasseM"`, ev.PayloadJSON)
}

func TestRawEnvelopeShape(t *testing.T) {
	testlog.Start(t)
	conn, _ := connect(t)

	raw := `{"type":"call","call_id":"5","module_id":"bridge.server","method_id":"NotifyLocationChanged","args_json":"[\"/home\", true]"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	event := recv(t, conn)
	require.Equal(t, TypeEvent, event.Type)
	require.Equal(t, builtin.EventUIUpdate, event.Name)
	require.JSONEq(t, `{"location":"/home","intercepted":true,"sequence":1}`, string(event.Payload))

	ev := completionOf(t, recv(t, conn))
	require.Equal(t, "5", ev.CallID)
	require.True(t, ev.Success)
}

func TestReleaseAndBadEnvelope(t *testing.T) {
	testlog.Start(t)
	conn, _ := connect(t)

	send(t, conn, Inbound{Type: TypeRelease, Ref: 3})
	out := recv(t, conn)
	require.Equal(t, TypeError, out.Type)
	require.Equal(t, int64(3), out.Ref)
	require.Contains(t, out.Message, "UnknownReference")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"shout"}`)))
	out = recv(t, conn)
	require.Equal(t, TypeError, out.Type)
	require.Contains(t, out.Message, "shout")
}

func TestAbortClosesWithPolicyViolation(t *testing.T) {
	testlog.Start(t)
	conn, host := connect(t)

	send(t, conn, Inbound{Type: TypeCall, CallRequest: interop.CallRequest{CallID: "1", MethodID: "Reverse", TargetRef: interop.TargetOf(404), ArgsJSON: "[]"}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	require.Eventually(t, func() bool { return host.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseReasonKeepsRuneBoundary(t *testing.T) {
	require.Equal(t, "short", closeReason("short"))

	reason := "x" + strings.Repeat("é", 100)
	got := closeReason(reason)
	require.LessOrEqual(t, len(got), maxCloseReason)
	require.True(t, utf8.ValidString(got), "reason %q", got)
	require.True(t, strings.HasPrefix(reason, got))
}

func TestAbortWithNonASCIICallID(t *testing.T) {
	testlog.Start(t)
	conn, host := connect(t)

	callID := "x" + strings.Repeat("é", 60)
	send(t, conn, Inbound{Type: TypeCall, CallRequest: interop.CallRequest{CallID: callID, MethodID: "Reverse", TargetRef: interop.TargetOf(404), ArgsJSON: "[]"}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.True(t, utf8.ValidString(closeErr.Text), "close text %q", closeErr.Text)
	require.Eventually(t, func() bool { return host.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
