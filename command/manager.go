package command

import (
	"reflect"
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinystore/store"
	"github.com/pingcap/errors"
)

// DefaultMaxRetries bounds how often a command is retried on request of an
// error interceptor.
const DefaultMaxRetries = 20

type handlerEntry struct {
	target reflect.Type
	fn     func(Session, Command) (Event, error)
}

type interceptorEntry struct {
	target reflect.Type
	bound  *boundInterceptor
}

// Manager is the dispatch table of one domain: handlers and interceptors are
// registered against command types, and a processor is built once per
// concrete command type on first use.
type Manager struct {
	maxRetries int
	bypass     map[string]struct{}

	mu           sync.RWMutex
	handlers     []handlerEntry
	interceptors []interceptorEntry
	processors   map[reflect.Type]*processor
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithBypassDomains adds domains whose commands skip interceptors.
func WithBypassDomains(domains ...string) Option {
	return func(m *Manager) {
		for _, d := range domains {
			m.bypass[d] = struct{}{}
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxRetries: DefaultMaxRetries,
		bypass:     map[string]struct{}{PrimitivesDomain: {}},
		processors: make(map[reflect.Type]*processor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) MaxRetries() int { return m.maxRetries }

func typeOf[C any]() reflect.Type {
	return reflect.TypeOf((*C)(nil)).Elem()
}

// RegisterHandler registers h for commands of type C. A later registration
// for the same type replaces the earlier one.
func RegisterHandler[C Command](m *Manager, h Handler[C]) {
	entry := handlerEntry{
		target: typeOf[C](),
		fn: func(s Session, cmd Command) (Event, error) {
			return h.Handle(s, cmd.(C))
		},
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.handlers {
		if m.handlers[i].target == entry.target {
			m.handlers[i] = entry
			m.processors = make(map[reflect.Type]*processor)
			return
		}
	}
	m.handlers = append(m.handlers, entry)
	m.processors = make(map[reflect.Type]*processor)
}

// RegisterInterceptor registers i for every command assignable to C. Higher
// priorities run their before hook first and their after hook last.
func RegisterInterceptor[C any](m *Manager, i Interceptor[C], priority int) {
	target := typeOf[C]()
	m.mu.Lock()
	defer m.mu.Unlock()
	bound := bindInterceptor[C](reflect.TypeOf(i).String(), i, priority, len(m.interceptors))
	m.interceptors = append(m.interceptors, interceptorEntry{target: target, bound: bound})
	m.processors = make(map[reflect.Type]*processor)
}

// Process runs cmd through the processor of its concrete type.
func (m *Manager) Process(s Session, cmd Command) error {
	if s == nil {
		return errors.Trace(store.ErrSessionRequired)
	}
	p, err := m.processor(cmd)
	if err != nil {
		return err
	}
	_, bypass := m.bypass[cmd.Domain()]
	return p.process(s, cmd, bypass)
}

func (m *Manager) processor(cmd Command) (*processor, error) {
	t := reflect.TypeOf(cmd)
	m.mu.RLock()
	p, ok := m.processors[t]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.processors[t]; ok {
		return p, nil
	}
	p = &processor{
		name:       t.String(),
		maxRetries: m.maxRetries,
	}
	// An exact registration wins over an interface one.
	for _, h := range m.handlers {
		if h.target == t {
			p.handler = h.fn
			break
		}
		if p.handler == nil && t.AssignableTo(h.target) {
			p.handler = h.fn
		}
	}
	for _, ic := range m.interceptors {
		if t.AssignableTo(ic.target) {
			p.interceptors = append(p.interceptors, ic.bound)
		}
	}
	if p.handler == nil && len(p.interceptors) == 0 {
		return nil, errors.Annotatef(ErrNoHandler, "command %s", t)
	}
	sort.SliceStable(p.interceptors, func(i, j int) bool {
		if p.interceptors[i].priority != p.interceptors[j].priority {
			return p.interceptors[i].priority > p.interceptors[j].priority
		}
		return p.interceptors[i].seq < p.interceptors[j].seq
	})
	m.processors[t] = p
	return p, nil
}
