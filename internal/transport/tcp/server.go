// Package tcp serves dispatch sessions over framed TLV connections. One
// connection is one session; an aborted session closes its connection.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/protocol/frame"
	"github.com/danmuck/callbridge/internal/protocol/schema"
	"github.com/danmuck/callbridge/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Config controls listener and per-connection behavior.
type Config struct {
	Addr string
	// IdleTimeout bounds the wait for the next inbound frame. Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Limits       frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:7400",
		WriteTimeout: 15 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

// Server accepts connections and binds each to a host session.
type Server struct {
	host    *dispatch.Host
	cfg     Config
	clients atomic.Int64
}

func NewServer(host *dispatch.Host, cfg Config) *Server {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{host: host, cfg: cfg}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// Serve listens on cfg.Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Addr))
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts on ln until ctx is done. ln is closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("tcp.Server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("tcp.Server client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("tcp.Server client disconnected")
	}()

	w := &frameWriter{conn: conn, limits: s.cfg.Limits, timeout: s.cfg.WriteTimeout}
	session, err := s.host.Open(dispatch.OpenOptions{
		OnCompletion: w.completion,
		OnEvent:      w.event,
		OnTerminate: func(sess *dispatch.Session, reason error) {
			if sess.Aborted() {
				log.Warn().Str("remote", remote).Str("session", sess.ID()).Err(reason).Msg("tcp.Server closing aborted session")
			}
			_ = conn.Close()
		},
	})
	if err != nil {
		log.Error().Str("remote", remote).Err(err).Msg("tcp.Server open session")
		return
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		f, err := frame.ReadFrame(conn, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && session.Err() == nil && ctx.Err() == nil {
				log.Warn().Str("remote", remote).Err(err).Msg("tcp.Server read frame")
			}
			return
		}
		msg, err := wire.Decode(f)
		if err != nil {
			log.Warn().Str("remote", remote).Err(err).Msg("tcp.Server decode")
			w.reject(wire.ErrorReport{Reason: err.Error()})
			continue
		}
		if !s.route(session, w, msg) {
			return
		}
	}
}

// route applies one inbound message. It returns false when the connection
// should close.
func (s *Server) route(session *dispatch.Session, w *frameWriter, msg wire.Message) bool {
	switch msg.Type {
	case schema.MsgCall:
		if err := session.Submit(*msg.Call); err != nil {
			return false
		}
	case schema.MsgRelease:
		if err := session.ReleaseReference(msg.Release); err != nil {
			if session.Err() != nil {
				return false
			}
			w.reject(wire.ErrorReport{Reason: interop.Diagnostic(err), Ref: msg.Release, HasRef: true})
		}
	default:
		w.reject(wire.ErrorReport{Reason: "unexpected " + schema.Name(msg.Type) + " frame from client"})
	}
	return true
}

// frameWriter serializes outbound frames on one connection.
type frameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	limits  frame.Limits
	timeout time.Duration
	seq     atomic.Uint64
}

func (w *frameWriter) completion(ev interop.CompletionEvent) {
	f, err := wire.CompletionFrame(w.seq.Add(1), ev)
	if err != nil {
		log.Error().Str("call_id", ev.CallID).Err(err).Msg("tcp.frameWriter completion")
		return
	}
	w.write(f)
}

func (w *frameWriter) event(ev interop.HostEvent) {
	f, err := wire.EventFrame(w.seq.Add(1), ev)
	if err != nil {
		log.Error().Str("event", ev.Name).Err(err).Msg("tcp.frameWriter event")
		return
	}
	w.write(f)
}

func (w *frameWriter) reject(report wire.ErrorReport) {
	f, err := wire.ErrorFrame(w.seq.Add(1), report)
	if err != nil {
		log.Error().Err(err).Msg("tcp.frameWriter reject")
		return
	}
	w.write(f)
}

func (w *frameWriter) write(f frame.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if err := frame.WriteFrame(w.conn, f, w.limits); err != nil {
		log.Debug().Str("message", schema.Name(f.Header.MessageType)).Err(err).Msg("tcp.frameWriter write")
	}
}
