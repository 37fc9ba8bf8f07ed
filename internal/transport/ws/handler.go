// Package ws serves dispatch sessions to browsers over websockets. Each
// socket is one session and carries JSON envelopes in text messages.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/interop"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	TypeCall       = "call"
	TypeRelease    = "release"
	TypeCompletion = "completion"
	TypeEvent      = "event"
	TypeError      = "error"
)

// Inbound is a host->managed envelope. Call fields are used for "call",
// Ref for "release".
type Inbound struct {
	Type string `json:"type"`
	interop.CallRequest
	Ref int64 `json:"ref,omitempty"`
}

// Outbound is a managed->host envelope.
type Outbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Name    string          `json:"name,omitempty"`
	Message string          `json:"message,omitempty"`
	Ref     int64           `json:"ref,omitempty"`
}

// Options configures the handler.
type Options struct {
	// AllowedOrigins lists accepted Origin headers. "*" accepts any origin;
	// an empty list accepts same-origin requests only.
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Handler upgrades requests and binds each socket to a host session.
type Handler struct {
	host     *dispatch.Host
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(host *dispatch.Host, opts Options) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1024 * 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	h := &Handler{host: host, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(opts.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("ws.Handler upgrade")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	out := &socketWriter{conn: conn, timeout: h.opts.WriteTimeout}
	session, err := h.host.Open(dispatch.OpenOptions{
		OnCompletion: out.completion,
		OnEvent:      out.event,
		OnTerminate: func(sess *dispatch.Session, reason error) {
			if sess.Aborted() {
				out.close(websocket.ClosePolicyViolation, interop.Diagnostic(reason))
				return
			}
			out.close(websocket.CloseGoingAway, "session closed")
		},
	})
	if err != nil {
		out.close(websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer session.Close()
	log.Info().Str("remote", r.RemoteAddr).Str("session", session.ID()).Msg("ws.Handler connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && session.Err() == nil {
				log.Warn().Str("session", session.ID()).Err(err).Msg("ws.Handler read")
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			out.reject("invalid envelope: "+err.Error(), 0)
			continue
		}
		switch in.Type {
		case TypeCall:
			if err := session.Submit(in.CallRequest); err != nil {
				return
			}
		case TypeRelease:
			if err := session.ReleaseReference(in.Ref); err != nil {
				if session.Err() != nil {
					return
				}
				out.reject(interop.Diagnostic(err), in.Ref)
			}
		default:
			out.reject("unknown envelope type "+quote(in.Type), 0)
		}
	}
}

// maxCloseReason keeps a close payload within the 125-byte control frame
// limit after the 2-byte code.
const maxCloseReason = 120

// closeReason truncates reason on a rune boundary.
func closeReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func quote(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// socketWriter serializes writes to one socket.
type socketWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	closed  bool
}

func (w *socketWriter) completion(ev interop.CompletionEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error().Str("call_id", ev.CallID).Err(err).Msg("ws.socketWriter completion")
		return
	}
	w.send(Outbound{Type: TypeCompletion, Payload: raw})
}

func (w *socketWriter) event(ev interop.HostEvent) {
	payload := json.RawMessage(ev.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	w.send(Outbound{Type: TypeEvent, Name: ev.Name, Payload: payload})
}

func (w *socketWriter) reject(message string, ref int64) {
	w.send(Outbound{Type: TypeError, Message: message, Ref: ref})
}

func (w *socketWriter) send(msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Str("type", msg.Type).Err(err).Msg("ws.socketWriter encode")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Str("type", msg.Type).Err(err).Msg("ws.socketWriter write")
	}
}

// close sends a close frame and shuts the socket, which ends the read loop.
func (w *socketWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(code, closeReason(reason))
	err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.timeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("ws.socketWriter close")
	}
	_ = w.conn.Close()
}
