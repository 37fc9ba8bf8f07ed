package dispatch

import (
	"errors"
	"sort"
	"sync"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/observability"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrHostClosed = errors.New("dispatch: host closed")

// HostOptions configures a Host.
type HostOptions struct {
	QueueDepth int
}

// OpenOptions configures one session opened through a Host.
type OpenOptions struct {
	OnCompletion func(interop.CompletionEvent)
	OnEvent      func(interop.HostEvent)
	// OnTerminate runs after the session is removed from the host.
	OnTerminate func(s *Session, reason error)
}

// Host owns the frozen registry and the set of live sessions. Sessions leave
// the host on their own when they abort or close.
type Host struct {
	reg  *registry.Registry
	opts HostOptions

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewHost freezes reg and returns a host dispatching against it.
func NewHost(reg *registry.Registry, opts HostOptions) *Host {
	reg.Freeze()
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	return &Host{
		reg:      reg,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

func (h *Host) Registry() *registry.Registry {
	return h.reg
}

// Open starts a session with a fresh uuid.
func (h *Host) Open(opts OpenOptions) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}

	id := uuid.NewString()
	s := NewSession(h.reg, SessionOptions{
		ID:           id,
		QueueDepth:   h.opts.QueueDepth,
		OnCompletion: opts.OnCompletion,
		OnEvent:      opts.OnEvent,
		OnTerminate: func(s *Session, reason error) {
			h.remove(s.ID())
			if opts.OnTerminate != nil {
				opts.OnTerminate(s, reason)
			}
		},
	})
	h.sessions[id] = s
	observability.AddActiveSessions(1)
	log.Info().Str("session", id).Int("active", len(h.sessions)).Msg("dispatch.Host open")
	return s, nil
}

// Get returns the live session with id.
func (h *Host) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns live session summaries, oldest first.
func (h *Host) Sessions() []SessionInfo {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close closes every session and refuses new ones.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
	log.Info().Int("closed", len(list)).Msg("dispatch.Host close")
}

func (h *Host) remove(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		observability.AddActiveSessions(-1)
		log.Debug().Str("session", id).Msg("dispatch.Host remove")
	}
}
