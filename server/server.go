package server

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/config"
	"github.com/pingcap-incubator/tinystore/domain"
	"github.com/pingcap-incubator/tinystore/session"
	"github.com/pingcap-incubator/tinystore/store"
	"github.com/pingcap-incubator/tinystore/store/eviction"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Server wires stores, the transaction and lock managers and the session
// manager together from a Config.
type Server struct {
	cfg      *config.Config
	txns     *txn.Manager
	locks    *lock.Manager
	sessions *session.Manager

	mu      sync.Mutex
	domains map[string]*session.Domain
	running bool

	evicted atomic.Uint64
}

func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	txns := txn.NewManager()
	locks := lock.NewManager(cfg.DeadlockTimeout())
	s := &Server{
		cfg:   cfg,
		txns:  txns,
		locks: locks,
		sessions: session.NewManager(session.Options{
			DefaultIsolation: cfg.IsolationLevel(),
			DefaultMode:      cfg.SessionMode(),
			MaxWorkers:       cfg.ConstraintWorkers,
		}, txns, locks),
		domains: make(map[string]*session.Domain),
	}
	s.Domain(command.PrimitivesDomain)
	return s, nil
}

// Domain returns the domain called name, creating its store on first use.
func (s *Server) Domain(name string) *session.Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[name]; ok {
		return d
	}

	opts := []store.Option{
		store.WithVacuumInterval(s.cfg.VacuumInterval()),
		store.WithEvictionListener(s.onEviction),
	}
	if s.cfg.EvictionMaxElements > 0 {
		opts = append(opts, store.WithEvictionPolicy(eviction.NewMaxElements(eviction.Config{
			MaxElements: s.cfg.EvictionMaxElements,
			MinLifetime: s.cfg.EvictionMinLifetime(),
		}, s.locks)))
	}
	st := store.New(name, s.txns, s.locks, opts...)
	cm := command.NewManager(command.WithMaxRetries(s.cfg.MaxRetries))
	domain.Register(cm, st)

	d := &session.Domain{Name: name, Store: st, Commands: cm}
	s.domains[name] = d
	s.sessions.RegisterDomain(d)
	if s.running {
		st.Start()
	}
	log.Info("domain created", zap.String("domain", name))
	return d
}

// Domains returns the names of every domain in order.
func (s *Server) Domains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) Sessions() *session.Manager { return s.sessions }

func (s *Server) Transactions() *txn.Manager { return s.txns }

func (s *Server) Locks() *lock.Manager { return s.locks }

// DefaultSessionConfig returns a session config with the configured
// isolation.
func (s *Server) DefaultSessionConfig() session.Config {
	return s.sessions.DefaultConfig()
}

// Begin starts a session, creating its default domain if needed.
func (s *Server) Begin(ctx context.Context, cfg session.Config) (*session.Session, error) {
	if cfg.DefaultDomain != "" {
		s.Domain(cfg.DefaultDomain)
	}
	return s.sessions.Begin(ctx, cfg)
}

// Start launches the vacuum job of every store.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already started")
	}
	s.running = true
	for _, d := range s.domains {
		d.Store.Start()
	}
	log.Info("server started", zap.Int("domains", len(s.domains)))
	return nil
}

// Stop stops every vacuum job and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, d := range s.domains {
		d.Store.Stop()
	}
	log.Info("server stopped", zap.Int("sessions", s.sessions.Active()))
}

// Stats returns the statistics of every store by domain.
func (s *Server) Stats() map[string]store.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]store.Stats, len(s.domains))
	for name, d := range s.domains {
		stats[name] = d.Store.Stats()
	}
	return stats
}

// Evicted returns the number of chains evicted across stores.
func (s *Server) Evicted() uint64 { return s.evicted.Load() }

func (s *Server) onEviction(n eviction.Notification) {
	s.evicted.Inc()
	log.Debug("evicted", zap.String("store", n.Store), zap.String("key", n.Key), zap.Stringer("kind", n.Kind))
}
