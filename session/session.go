package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type scope struct {
	mode     command.SessionMode
	domain   string
	accepted bool
	closed   bool
}

// sessionContext is the state shared by every scope and attached handle of
// one outer session.
type sessionContext struct {
	mgr         *Manager
	index       uint32
	id          uint64
	correlation uuid.UUID
	isolation   txn.IsolationLevel
	ctx         context.Context
	cancel      context.CancelFunc
	start       time.Time
	outer       *scope
	frozen      atomic.Bool

	mu       sync.Mutex
	txn      *txn.Transaction
	scopes   []*scope
	guards   []*lock.Guard
	events   []command.Event
	messages []command.Message
	aborted  bool
	attached int
	done     bool
}

func (sc *sessionContext) handle(sp *scope, attached bool) *Session {
	s := &Session{sc: sc, scope: sp, attached: attached}
	s.ctx = NewContext(sc.ctx, s)
	return s
}

func (sc *sessionContext) abort() {
	sc.mu.Lock()
	sc.aborted = true
	sc.mu.Unlock()
}

// Session is a handle on a scope of a running session. The handle returned
// by Manager.Begin owns its scope and must be closed; handles returned by
// Manager.Attach must be detached.
type Session struct {
	sc       *sessionContext
	scope    *scope
	ctx      context.Context
	attached bool
	detached atomic.Bool
}

var _ command.Session = (*Session)(nil)

// ID is shared by every scope of the session and identifies it as a lock
// owner.
func (s *Session) ID() uint64 { return s.sc.id }

func (s *Session) Index() uint32 { return s.sc.index }

func (s *Session) CorrelationID() uuid.UUID { return s.sc.correlation }

func (s *Session) LockOwnerID() uint64 { return s.sc.id }

func (s *Session) Isolation() txn.IsolationLevel { return s.sc.isolation }

func (s *Session) Context() context.Context { return s.ctx }

// Mode returns the flags of the scope. A frozen session is read-only.
func (s *Session) Mode() command.SessionMode {
	mode := s.scope.mode
	if s.sc.frozen.Load() {
		mode |= command.ReadOnly
	}
	return mode
}

// Token identifies the session for Manager.Attach.
func (s *Session) Token() Token {
	return Token{Index: s.sc.index, ID: s.sc.id}
}

// Transaction returns the transaction of the session, or nil when nothing
// started it yet.
func (s *Session) Transaction() *txn.Transaction {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return s.sc.txn
}

func (s *Session) AddEvent(e command.Event) error {
	if s.Mode().Has(command.ReadOnly) {
		return errors.Trace(ErrReadOnly)
	}
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	if s.sc.done {
		return errors.Trace(ErrSessionClosed)
	}
	s.sc.events = append(s.sc.events, e)
	return nil
}

func (s *Session) AddMessage(m command.Message) {
	s.sc.mu.Lock()
	s.sc.messages = append(s.sc.messages, m)
	s.sc.mu.Unlock()
}

// Events returns the events recorded so far.
func (s *Session) Events() []command.Event {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return append([]command.Event(nil), s.sc.events...)
}

// Messages returns the messages collected so far.
func (s *Session) Messages() []command.Message {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return append([]command.Message(nil), s.sc.messages...)
}

// ReadContext returns a context that sees committed state, plus the session's
// own writes once its transaction started.
func (s *Session) ReadContext() *mvcc.CommandContext {
	s.sc.mu.Lock()
	t := s.sc.txn
	s.sc.mu.Unlock()
	if t == nil {
		return mvcc.NewCommandContext(s.sc.mgr.txns, nil, 0)
	}
	return mvcc.NewCommandContext(s.sc.mgr.txns, t, t.NextCommand())
}

// WriteContext starts the transaction on first use with one marker per open
// scope.
func (s *Session) WriteContext() (*mvcc.CommandContext, error) {
	if s.Mode().Has(command.ReadOnly) {
		return nil, errors.Trace(ErrReadOnly)
	}
	if err := s.sc.ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	sc := s.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.done {
		return nil, errors.Trace(ErrSessionClosed)
	}
	if sc.txn == nil {
		t := sc.mgr.txns.Begin(sc.isolation)
		for i := 1; i < len(sc.scopes); i++ {
			if err := sc.mgr.txns.BeginNested(t); err != nil {
				return nil, err
			}
		}
		sc.txn = t
	}
	return mvcc.NewCommandContext(sc.mgr.txns, sc.txn, sc.txn.NextCommand()), nil
}

// AcquireLock locks resource on behalf of the session. The lock is released
// when the session completes.
func (s *Session) AcquireLock(mode lock.Mode, resource string) (*lock.Guard, error) {
	if mode != lock.Shared && s.Mode().Has(command.ReadOnly) {
		return nil, errors.Trace(ErrReadOnly)
	}
	g, err := s.sc.mgr.locks.Acquire(s.sc.ctx, s, resource, mode)
	if err != nil {
		return nil, err
	}
	if !g.Reentrant() {
		s.sc.mu.Lock()
		s.sc.guards = append(s.sc.guards, g)
		s.sc.mu.Unlock()
	}
	return g, nil
}

// BeginNested opens a scope inside s. Its mode adds to the parent's and an
// empty default domain is inherited.
func (s *Session) BeginNested(cfg Config) (*Session, error) {
	if s.attached {
		return nil, errors.New("attached session cannot open scopes")
	}
	sc := s.sc
	if sc.frozen.Load() {
		return nil, errors.Trace(ErrReadOnly)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.done || s.scope.closed {
		return nil, errors.Trace(ErrSessionClosed)
	}
	parent := sc.scopes[len(sc.scopes)-1]
	sp := &scope{mode: parent.mode | cfg.Mode, domain: cfg.DefaultDomain}
	if sp.domain == "" {
		sp.domain = parent.domain
	}
	if sc.txn != nil {
		if err := sc.mgr.txns.BeginNested(sc.txn); err != nil {
			return nil, err
		}
	}
	sc.scopes = append(sc.scopes, sp)
	return sc.handle(sp, false), nil
}

// AcceptChanges marks the scope as successful. A scope closed without it
// aborts the session.
func (s *Session) AcceptChanges() {
	s.sc.mu.Lock()
	s.scope.accepted = true
	s.sc.mu.Unlock()
}

// RejectChanges undoes AcceptChanges.
func (s *Session) RejectChanges() {
	s.sc.mu.Lock()
	s.scope.accepted = false
	s.sc.mu.Unlock()
}

// Result is the outcome of one Execute call.
type Result struct {
	Messages []command.Message
	Aborted  bool
}

// Execute runs cmds grouped by domain, in order of first appearance. Commands
// without a domain go to the scope's default domain. An aborted command
// stops the batch and aborts the session.
func (s *Session) Execute(cmds ...command.Command) (*Result, error) {
	sc := s.sc
	sc.mu.Lock()
	if sc.done || s.scope.closed {
		sc.mu.Unlock()
		return nil, errors.Trace(ErrSessionClosed)
	}
	first := len(sc.messages)
	sc.mu.Unlock()

	var order []string
	groups := make(map[string][]command.Command)
	for _, cmd := range cmds {
		domain := cmd.Domain()
		if domain == "" {
			domain = s.scope.domain
		}
		if _, ok := groups[domain]; !ok {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], cmd)
	}

	res := &Result{}
run:
	for _, name := range order {
		d, ok := sc.mgr.Domain(name)
		if !ok {
			s.AddMessage(command.ErrorMessage("", errors.Annotatef(ErrUnknownDomain, "domain %q", name)))
			continue
		}
		for _, cmd := range groups[name] {
			err := d.Commands.Process(s, cmd)
			if command.IsAbort(err) {
				s.AddMessage(command.ErrorMessage("", err))
				sc.abort()
				res.Aborted = true
				break run
			}
		}
	}

	sc.mu.Lock()
	res.Messages = append([]command.Message(nil), sc.messages[first:]...)
	sc.mu.Unlock()
	if command.HasErrors(res.Messages) && !s.Mode().Has(command.Silent) {
		return res, &SessionError{Aborted: res.Aborted, Messages: res.Messages}
	}
	return res, nil
}

// Detach releases a handle returned by Manager.Attach.
func (s *Session) Detach() {
	if !s.attached || !s.detached.CAS(false, true) {
		return
	}
	s.sc.mu.Lock()
	s.sc.attached--
	s.sc.mu.Unlock()
}

// Close closes the scope. Scopes close innermost first. Closing the outer
// scope completes the session: constraints run, listeners are notified and
// the transaction commits or rolls back. The returned error aggregates the
// error messages unless the session is silent.
func (s *Session) Close() error {
	if s.attached {
		s.Detach()
		return nil
	}
	sc := s.sc
	sc.mu.Lock()
	if s.scope.closed || sc.done {
		sc.mu.Unlock()
		return errors.Trace(ErrSessionClosed)
	}
	if sc.scopes[len(sc.scopes)-1] != s.scope {
		sc.mu.Unlock()
		return errors.Trace(ErrScopeMismatch)
	}
	s.scope.closed = true
	sc.scopes = sc.scopes[:len(sc.scopes)-1]
	if !s.scope.accepted {
		sc.aborted = true
	}
	outer := len(sc.scopes) == 0
	var err error
	if !outer && sc.txn != nil {
		if s.scope.accepted {
			err = sc.mgr.txns.Commit(sc.txn)
		} else {
			err = sc.mgr.txns.Rollback(sc.txn)
		}
	}
	sc.mu.Unlock()
	if !outer {
		return err
	}
	return sc.complete(s)
}

func (sc *sessionContext) complete(owner *Session) error {
	m := sc.mgr
	sc.frozen.Store(true)

	mode := sc.outer.mode
	sc.mu.Lock()
	events := append([]command.Event(nil), sc.events...)
	aborted := sc.aborted
	sc.mu.Unlock()

	if err := sc.ctx.Err(); err != nil && !aborted {
		owner.AddMessage(command.ErrorMessage("", errors.Annotate(err, "session canceled")))
		aborted = true
	}

	tracked := buildTracking(events)
	constraints, listeners := m.snapshotHooks()
	if !aborted && !mode.Has(command.SkipConstraints) && len(constraints) > 0 && len(tracked) > 0 {
		start := time.Now()
		if err := sc.checkConstraints(owner, constraints, tracked); err != nil {
			log.Error("constraint check failed", zap.Uint64("session", sc.id), zap.Error(err))
			owner.AddMessage(command.ErrorMessage("", err))
		}
		constraintDuration.Observe(time.Since(start).Seconds())
	}
	if !aborted && command.HasErrors(owner.Messages()) {
		aborted = true
	}

	info := &Info{
		ID:            sc.id,
		Index:         sc.index,
		CorrelationID: sc.correlation,
		Aborted:       aborted,
		Elements:      tracked,
		Events:        events,
	}
	if !mode.Has(command.SkipNotifications) {
		for _, fn := range listeners {
			info.Messages = owner.Messages()
			if err := notify(fn, info); err != nil {
				log.Warn("session listener failed", zap.Uint64("session", sc.id), zap.Error(err))
				owner.AddMessage(command.Message{Level: command.LevelWarning, Text: err.Error(), Err: err})
			}
		}
	}

	sc.mu.Lock()
	sc.done = true
	t := sc.txn
	guards := sc.guards
	sc.guards = nil
	sc.mu.Unlock()

	status := txn.Committed
	if aborted {
		status = txn.Aborted
	}
	if t != nil {
		var err error
		if aborted {
			err = m.txns.Rollback(t)
		} else {
			err = m.txns.Commit(t)
		}
		if err != nil {
			log.Error("finish session transaction", zap.Uint64("session", sc.id), zap.Stringer("txn", t), zap.Error(err))
		}
		status = t.Status()
	}
	for i := len(guards) - 1; i >= 0; i-- {
		guards[i].ReleaseWithStatus(status)
	}

	m.release(sc)
	sc.cancel()

	result := "committed"
	if aborted {
		result = "aborted"
	}
	sessionCounter.WithLabelValues(result).Inc()
	sessionDuration.WithLabelValues(result).Observe(time.Since(sc.start).Seconds())
	log.Debug("session completed",
		zap.Uint64("session", sc.id),
		zap.Stringer("correlation", sc.correlation),
		zap.String("result", result),
		zap.Int("elements", len(tracked)),
		zap.Int("events", len(events)))

	msgs := owner.Messages()
	if (aborted || command.HasErrors(msgs)) && !mode.Has(command.Silent) {
		return &SessionError{Aborted: aborted, Messages: msgs}
	}
	return nil
}

// checkConstraints evaluates every constraint against every tracked element
// on a bounded pool of goroutines, each attached to the session.
func (sc *sessionContext) checkConstraints(owner *Session, constraints []Constraint, tracked []*TrackingElement) error {
	g, ctx := errgroup.WithContext(sc.ctx)
	g.SetLimit(sc.mgr.opts.MaxWorkers)
	tok := owner.Token()
	for _, el := range tracked {
		el := el
		g.Go(func() (err error) {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			ws, err := sc.mgr.Attach(tok)
			if err != nil {
				return err
			}
			defer ws.Detach()
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("constraint panicked on %s/%s: %v", el.Store, el.Key, r)
				}
			}()
			for _, c := range constraints {
				for _, msg := range c.Check(ws, el) {
					if msg.Key == "" {
						msg.Key = el.Key
					}
					ws.AddMessage(msg)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func notify(fn CompletedListener, info *Info) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(info)
}
