package session

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Options configures a Manager.
type Options struct {
	DefaultIsolation txn.IsolationLevel
	// DefaultMode is added to the mode of every session.
	DefaultMode command.SessionMode
	// MaxWorkers bounds parallel constraint checks of one session.
	MaxWorkers int
}

// Config configures one session or nested scope.
type Config struct {
	// Isolation only applies to outer sessions; nested scopes share the
	// transaction of their session.
	Isolation     txn.IsolationLevel
	Mode          command.SessionMode
	DefaultDomain string
	// Timeout cancels the session when it runs longer. Zero disables it.
	Timeout time.Duration
}

// Domain is a store together with the commands that act on it.
type Domain struct {
	Name     string
	Store    *store.Store
	Commands *command.Manager
}

// Constraint validates one touched element when a session completes. It
// must only read.
type Constraint interface {
	Check(s *Session, el *TrackingElement) []command.Message
}

// ConstraintFunc adapts a function to Constraint.
type ConstraintFunc func(s *Session, el *TrackingElement) []command.Message

func (f ConstraintFunc) Check(s *Session, el *TrackingElement) []command.Message {
	return f(s, el)
}

// Info describes a completed session.
type Info struct {
	ID            uint64
	Index         uint32
	CorrelationID uuid.UUID
	Aborted       bool
	Elements      []*TrackingElement
	Events        []command.Event
	Messages      []command.Message
}

// CompletedListener is notified before a session commits or rolls back.
// Errors are kept as warnings.
type CompletedListener func(info *Info) error

// Manager runs sessions against a set of domains sharing one transaction
// manager and one lock manager.
type Manager struct {
	opts  Options
	txns  *txn.Manager
	locks *lock.Manager

	indexes indexAllocator
	seq     atomic.Uint64

	mu          sync.RWMutex
	contexts    map[uint32]*sessionContext
	domains     map[string]*Domain
	constraints []Constraint
	listeners   []CompletedListener
}

func NewManager(opts Options, txns *txn.Manager, locks *lock.Manager) *Manager {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Manager{
		opts:     opts,
		txns:     txns,
		locks:    locks,
		contexts: make(map[uint32]*sessionContext),
		domains:  make(map[string]*Domain),
	}
}

func (m *Manager) Transactions() *txn.Manager { return m.txns }

func (m *Manager) Locks() *lock.Manager { return m.locks }

// DefaultConfig returns a session config using the manager defaults.
func (m *Manager) DefaultConfig() Config {
	return Config{Isolation: m.opts.DefaultIsolation}
}

func (m *Manager) RegisterDomain(d *Domain) {
	m.mu.Lock()
	m.domains[d.Name] = d
	m.mu.Unlock()
}

func (m *Manager) Domain(name string) (*Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[name]
	return d, ok
}

// AddConstraint registers c for every session completing after this call.
func (m *Manager) AddConstraint(c Constraint) {
	m.mu.Lock()
	m.constraints = append(m.constraints, c)
	m.mu.Unlock()
}

// OnCompleted registers fn for every session completing after this call.
func (m *Manager) OnCompleted(fn CompletedListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Active returns the number of running outer sessions.
func (m *Manager) Active() int {
	return m.indexes.inUse()
}

// Begin starts a session. When ctx already carries a session the new scope
// nests into it. Serializable sessions start their transaction right away
// so the snapshot is taken now; read-committed ones start it on first write.
func (m *Manager) Begin(ctx context.Context, cfg Config) (*Session, error) {
	if parent := FromContext(ctx); parent != nil {
		return parent.BeginNested(cfg)
	}
	idx, ok := m.indexes.alloc()
	if !ok {
		return nil, errors.Trace(ErrTooManySessions)
	}

	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	outer := &scope{mode: cfg.Mode | m.opts.DefaultMode, domain: cfg.DefaultDomain}
	sc := &sessionContext{
		mgr:         m,
		index:       idx,
		id:          m.seq.Inc(),
		correlation: uuid.New(),
		isolation:   cfg.Isolation,
		ctx:         ctx,
		cancel:      cancel,
		start:       time.Now(),
		outer:       outer,
		scopes:      []*scope{outer},
	}
	if cfg.Isolation == txn.Serializable {
		sc.txn = m.txns.Begin(txn.Serializable)
	}

	m.mu.Lock()
	m.contexts[idx] = sc
	m.mu.Unlock()

	log.Debug("begin session",
		zap.Uint64("session", sc.id),
		zap.Uint32("index", idx),
		zap.Stringer("correlation", sc.correlation),
		zap.Stringer("isolation", cfg.Isolation),
		zap.Stringer("mode", outer.mode))
	return sc.handle(outer, false), nil
}

// Token identifies a running session for Attach.
type Token struct {
	Index uint32
	ID    uint64
}

// Attach returns a handle on the running session identified by tok, for use
// by another goroutine. The handle must be released with Detach and cannot
// open or close scopes.
func (m *Manager) Attach(tok Token) (*Session, error) {
	m.mu.RLock()
	sc, ok := m.contexts[tok.Index]
	m.mu.RUnlock()
	if !ok || sc.id != tok.ID {
		return nil, errors.Trace(ErrSessionClosed)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.done {
		return nil, errors.Trace(ErrSessionClosed)
	}
	sc.attached++
	return sc.handle(sc.outer, true), nil
}

func (m *Manager) release(sc *sessionContext) {
	m.mu.Lock()
	delete(m.contexts, sc.index)
	m.mu.Unlock()
	m.indexes.release(sc.index)
}

func (m *Manager) snapshotHooks() ([]Constraint, []CompletedListener) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.constraints, m.listeners
}
