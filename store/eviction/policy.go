package eviction

import (
	"time"

	"github.com/pingcap-incubator/tinystore/store/mvcc"
)

// DefaultMinLifetime protects recently used chains from eviction.
const DefaultMinLifetime = 10 * time.Second

// Notification is delivered to listeners for every evicted chain.
type Notification struct {
	Store      string
	Key        string
	Kind       mvcc.ElementKind
	Hits       uint64
	LastAccess time.Time
}

// Listener receives eviction notifications.
type Listener func(Notification)

// LockQuerier tells whether a resource is locked by any session.
type LockQuerier interface {
	HasLock(resource string) bool
}

// Policy decides which chains a vacuum pass evicts. The store calls
// StartProcess once per element kind, ShouldEvict for every chain of that
// kind, and ProcessTerminated at the end of the pass.
type Policy interface {
	StartProcess(kind mvcc.ElementKind, count int)
	ShouldEvict(resource string, chain *mvcc.VersionChain) bool
	ProcessTerminated()
}

// Config configures MaxElements.
type Config struct {
	// MaxElements is the number of chains per kind kept in memory. Zero
	// disables eviction.
	MaxElements int
	MinLifetime time.Duration
}

// MaxElements evicts the least needed chains once a kind holds more than
// MaxElements of them. Locked chains and chains accessed within MinLifetime
// are kept. Properties of nodes evicted in the same pass go with them.
type MaxElements struct {
	cfg   Config
	locks LockQuerier
	now   func() time.Time

	kind      mvcc.ElementKind
	remaining int
	evicted   map[string]struct{}
}

func NewMaxElements(cfg Config, locks LockQuerier) *MaxElements {
	if cfg.MinLifetime < 0 {
		cfg.MinLifetime = DefaultMinLifetime
	}
	return &MaxElements{
		cfg:     cfg,
		locks:   locks,
		now:     time.Now,
		evicted: make(map[string]struct{}),
	}
}

func (p *MaxElements) StartProcess(kind mvcc.ElementKind, count int) {
	p.kind = kind
	p.remaining = 0
	if p.cfg.MaxElements > 0 && count > p.cfg.MaxElements {
		p.remaining = count - p.cfg.MaxElements
	}
}

func (p *MaxElements) ShouldEvict(resource string, chain *mvcc.VersionChain) bool {
	if p.locks != nil && p.locks.HasLock(resource) {
		return false
	}
	if owner := chain.OwnerKey(); owner != "" {
		if _, ok := p.evicted[owner]; ok {
			return true
		}
	}
	if p.remaining <= 0 {
		return false
	}
	if p.now().Sub(chain.LastAccess()) <= p.cfg.MinLifetime {
		return false
	}
	p.remaining--
	if chain.Kind() == mvcc.KindNode {
		p.evicted[chain.Key()] = struct{}{}
	}
	return true
}

func (p *MaxElements) ProcessTerminated() {
	p.remaining = 0
	p.evicted = make(map[string]struct{})
}
