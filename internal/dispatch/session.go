package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/callbridge/internal/binder"
	"github.com/danmuck/callbridge/internal/completion"
	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/observability"
	"github.com/danmuck/callbridge/internal/refs"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultQueueDepth = 64

var ErrSessionClosed = errors.New("dispatch: session closed")

// SessionOptions configures one session.
type SessionOptions struct {
	// ID is assigned by the Host. A random id is used when empty.
	ID           string
	QueueDepth   int
	OnCompletion completion.Sink
	OnEvent      func(interop.HostEvent)
	// OnTerminate runs once on the session goroutine after teardown and
	// before Done is closed. It must not call Close.
	OnTerminate func(s *Session, reason error)
}

type work struct {
	call *interop.CallRequest
	fn   func()
	done chan struct{}
}

// Session is a single-goroutine dispatcher for one host connection. Calls are
// processed one at a time in arrival order. The reference table is owned by
// the session goroutine.
type Session struct {
	id          string
	reg         *registry.Registry
	table       *refs.Table
	completions *completion.Channel
	created     time.Time

	requests chan work
	quit     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	onEvent     func(interop.HostEvent)
	reason      error
	onTerminate func(*Session, error)
	stopOnce    sync.Once
	aborted     atomic.Bool

	accepted  atomic.Int64
	completed atomic.Int64
	events    atomic.Int64
}

// NewSession starts a session goroutine dispatching against reg.
func NewSession(reg *registry.Registry, opts SessionOptions) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          opts.ID,
		reg:         reg,
		table:       refs.NewTable(refs.WithDeltaHook(observability.AddLiveReferences)),
		completions: completion.New(opts.OnCompletion),
		created:     time.Now(),
		requests:    make(chan work, opts.QueueDepth),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		onEvent:     opts.OnEvent,
		onTerminate: opts.OnTerminate,
	}
	go s.loop()
	log.Debug().Str("session", s.id).Int("queue_depth", opts.QueueDepth).Msg("dispatch.Session started")
	return s
}

func (s *Session) ID() string {
	return s.id
}

// OnCompletion replaces the completion sink.
func (s *Session) OnCompletion(fn completion.Sink) {
	s.completions.SetSink(fn)
}

// OnEvent replaces the host event callback.
func (s *Session) OnEvent(fn func(interop.HostEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// Submit enqueues req. It blocks while the queue is full and fails once the
// session has been aborted or closed; such calls never complete.
func (s *Session) Submit(req interop.CallRequest) error {
	select {
	case <-s.quit:
		return s.Err()
	default:
	}
	select {
	case s.requests <- work{call: &req}:
		s.accepted.Add(1)
		return nil
	case <-s.quit:
		return s.Err()
	}
}

// ReleaseReference drops id from the session table. Unknown ids report
// UnknownReference and leave the session usable.
func (s *Session) ReleaseReference(id int64) error {
	var err error
	if doErr := s.do(func() { err = s.table.Release(id) }); doErr != nil {
		return doErr
	}
	if err != nil {
		log.Debug().Str("session", s.id).Int64("ref", id).Err(err).Msg("dispatch.Session release")
	}
	return err
}

// References returns the live table entries.
func (s *Session) References() ([]refs.Entry, error) {
	var out []refs.Entry
	err := s.do(func() { out = s.table.Snapshot() })
	return out, err
}

// Abort tears the session down as a fail-fast protocol violation.
func (s *Session) Abort(cause error) {
	s.stop(true, cause)
}

// Close stops the session and waits for the goroutine to exit. Queued calls
// are discarded and an in-flight handler sees its context cancelled.
func (s *Session) Close() {
	s.stop(false, ErrSessionClosed)
	<-s.done
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns nil while the session is live, then the terminal reason.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Aborted reports whether the session ended through the abort path.
func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

// SessionInfo is a point-in-time summary for inspection surfaces.
type SessionInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Created    time.Time `json:"created"`
	Queued     int       `json:"queued"`
	References int       `json:"references"`
	Accepted   int64     `json:"accepted"`
	Completed  int64     `json:"completed"`
	Events     int64     `json:"events"`
}

func (s *Session) Info() SessionInfo {
	state := "open"
	if s.Err() != nil {
		state = "closed"
		if s.Aborted() {
			state = "aborted"
		}
	}
	return SessionInfo{
		ID:         s.id,
		State:      state,
		Created:    s.created,
		Queued:     len(s.requests),
		References: s.table.Len(),
		Accepted:   s.accepted.Load(),
		Completed:  s.completed.Load(),
		Events:     s.events.Load(),
	}
}

func (s *Session) do(fn func()) error {
	w := work{fn: fn, done: make(chan struct{})}
	select {
	case s.requests <- w:
	case <-s.quit:
		return s.Err()
	}
	select {
	case <-w.done:
		return nil
	case <-s.done:
		select {
		case <-w.done:
			return nil
		default:
			return s.Err()
		}
	}
}

func (s *Session) stop(abort bool, cause error) {
	s.stopOnce.Do(func() {
		reason := cause
		if abort {
			s.aborted.Store(true)
			if !errors.Is(cause, interop.ErrSessionAborted) {
				reason = interop.Errorf(interop.KindSessionAborted, "session %s aborted", s.id).WithCause(cause)
			}
			observability.RecordSessionAbort()
			log.Error().Str("session", s.id).Err(reason).Msg("dispatch.Session abort")
		} else {
			log.Debug().Str("session", s.id).Msg("dispatch.Session close")
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.completions.Close()
		s.cancel()
		close(s.quit)
	})
}

func (s *Session) loop() {
	defer s.teardown()
	for {
		select {
		case <-s.quit:
			return
		case w := <-s.requests:
			select {
			case <-s.quit:
				return
			default:
			}
			if w.call != nil {
				s.dispatch(*w.call)
				continue
			}
			w.fn()
			close(w.done)
		}
	}
}

func (s *Session) teardown() {
	released := s.table.ReleaseAll()
	s.mu.Lock()
	reason := s.reason
	onTerminate := s.onTerminate
	s.mu.Unlock()
	log.Debug().Str("session", s.id).Int("released", released).Msg("dispatch.Session teardown")
	if onTerminate != nil {
		onTerminate(s, reason)
	}
	close(s.done)
}

// dispatch drives one call from Received to Completed or Aborted.
func (s *Session) dispatch(req interop.CallRequest) {
	start := time.Now()
	c := newCall(s, req)
	pending := s.completions.Begin(req.CallID)

	c.transition(StateResolving)
	if err := s.resolve(c); err != nil {
		if c.state == StateAborted {
			return
		}
		s.fail(c, pending, start, err)
		return
	}

	c.transition(StateBinding)
	args, err := binder.Bind(c.route(), req.ArgsJSON, c.desc.Params, s.table)
	if err != nil {
		s.fail(c, pending, start, err)
		return
	}
	c.args = args

	c.transition(StateExecuting)
	payload, err := s.execute(c)
	if err != nil {
		s.fail(c, pending, start, err)
		return
	}

	c.transition(StateCompleted)
	pending.Succeed(payload)
	s.completed.Add(1)
	observability.RecordDispatch(c.desc.ModuleID, c.desc.MethodID, "ok", true, time.Since(start))
	log.Debug().
		Str("session", s.id).
		Str("call_id", req.CallID).
		Str("route", c.route()).
		Dur("duration", time.Since(start)).
		Msg("dispatch.Session completed")
}

// resolve finds the target and descriptor. An unknown target aborts the
// session and leaves c in StateAborted.
func (s *Session) resolve(c *Call) error {
	req := c.req
	if blank(req.MethodID) {
		return interop.Errorf(interop.KindEmptyIdentifier, "method id is required")
	}

	moduleID := req.ModuleID
	var receiver interop.Capability
	if req.HasTarget() {
		id := *req.TargetRef
		entry, err := s.table.Lookup(id)
		if err != nil {
			c.transition(StateAborted)
			s.Abort(interop.Errorf(
				interop.KindSessionAborted,
				"call %q targets unknown reference %d",
				req.CallID,
				id,
			).WithCause(err))
			return err
		}
		c.target = entry.Object
		c.targetRef = id
		c.hasTarget = true
		receiver = entry.Capability
		if blank(moduleID) {
			moduleID = string(entry.Capability)
		}
	} else if blank(moduleID) {
		return interop.Errorf(interop.KindEmptyIdentifier, "module id is required for %q", req.MethodID)
	}

	desc, err := s.reg.Resolve(moduleID, req.MethodID)
	if err != nil {
		return err
	}
	c.desc = desc

	switch {
	case desc.RequiresInstance && !c.hasTarget:
		return interop.Errorf(interop.KindInvalidTarget, "%s is an instance method and requires a target reference", c.route())
	case !desc.RequiresInstance && c.hasTarget:
		return interop.Errorf(interop.KindInvalidTarget, "%s is a static method and does not take a target reference", c.route())
	case c.hasTarget && receiver != desc.Receiver:
		return interop.Errorf(
			interop.KindCapabilityMismatch,
			"target reference %d is '%s', %s expects '%s'",
			c.targetRef,
			receiver,
			c.route(),
			desc.Receiver,
		)
	}
	return nil
}

// execute runs the handler and encodes its result. Returned errors and panics
// from either step become TargetFault; request-side kinds raised inside a
// handler are kept only as the cause.
func (s *Session) execute(c *Call) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session", s.id).
				Str("call_id", c.req.CallID).
				Str("route", c.route()).
				Interface("panic", r).
				Msg("dispatch.Session handler panic")
			payload = ""
			err = interop.Errorf(interop.KindTargetFault, "%s: panic: %v", c.route(), r)
		}
	}()
	result, err := c.desc.Handler(s.ctx, c)
	if err != nil {
		var ie *interop.Error
		if errors.As(err, &ie) && ie.Kind == interop.KindTargetFault {
			return "", err
		}
		return "", interop.Errorf(interop.KindTargetFault, "%s: %v", c.route(), err).WithCause(err)
	}
	payload, err = c.encodeResult(result)
	if err != nil {
		return "", interop.Errorf(interop.KindTargetFault, "%s: result: %v", c.route(), err).WithCause(err)
	}
	return payload, nil
}

func (s *Session) fail(c *Call, pending *completion.Pending, start time.Time, err error) {
	kind := interop.KindOf(err)
	c.transition(StateCompleted)
	pending.Fail(interop.Diagnostic(err))
	s.completed.Add(1)

	module, method := c.desc.ModuleID, c.desc.MethodID
	if module == "" {
		module, method = "unresolved", "unresolved"
	}
	observability.RecordDispatch(module, method, string(kind), false, time.Since(start))
	log.Warn().
		Str("session", s.id).
		Str("call_id", c.req.CallID).
		Str("route", c.route()).
		Str("kind", string(kind)).
		Err(err).
		Msg("dispatch.Session failed")
}

func (s *Session) emit(name string, payload any) error {
	select {
	case <-s.quit:
		return s.Err()
	default:
	}
	if blank(name) {
		return interop.Errorf(interop.KindEmptyIdentifier, "event name is required")
	}
	var raw string
	switch v := payload.(type) {
	case nil:
		raw = "null"
	case json.RawMessage:
		if len(v) == 0 {
			raw = "null"
			break
		}
		if !json.Valid(v) {
			return fmt.Errorf("dispatch: event %s: invalid raw JSON payload", name)
		}
		raw = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("dispatch: encode event %s: %w", name, err)
		}
		raw = string(data)
	}

	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn == nil {
		log.Debug().Str("session", s.id).Str("event", name).Msg("dispatch.Session event dropped")
		return nil
	}
	fn(interop.HostEvent{Name: name, PayloadJSON: raw})
	s.events.Add(1)
	return nil
}
