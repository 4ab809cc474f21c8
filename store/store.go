package store

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinystore/store/eviction"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap-incubator/tinystore/util/worker"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// DefaultVacuumInterval is how often the background job vacuums a store.
const DefaultVacuumInterval = 3 * time.Second

// Tx is the session side of a store operation: it supplies visibility
// contexts and takes locks on behalf of the running session.
type Tx interface {
	// ReadContext returns the context of a new read command.
	ReadContext() *mvcc.CommandContext
	// WriteContext returns the context of a new write command, starting the
	// transaction if needed.
	WriteContext() (*mvcc.CommandContext, error)
	// AcquireLock locks resource until the session ends.
	AcquireLock(mode lock.Mode, resource string) (*lock.Guard, error)
}

// Entry is a visible element returned by ScanEntries.
type Entry struct {
	Key      string
	Kind     mvcc.ElementKind
	OwnerKey string
	Value    mvcc.Value
}

// Stats is a point in time summary of a store.
type Stats struct {
	Nodes      int
	Properties int
	Slots      int
	FreeSlots  int
	Vacuums    uint64
	LastVacuum time.Duration
}

type chainItem struct {
	key   string
	chain *mvcc.VersionChain
}

func (i chainItem) Less(than btree.Item) bool {
	return i.key < than.(chainItem).key
}

// Option configures a Store.
type Option func(*Store)

// WithEvictionPolicy makes vacuum consult p.
func WithEvictionPolicy(p eviction.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithEvictionListener registers fn for eviction notifications.
func WithEvictionListener(fn eviction.Listener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, fn) }
}

// WithVacuumInterval sets the period of the background vacuum job.
func WithVacuumInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// Store is a transactional in-memory map from keys to versioned values.
// Writers lock keys through the session for the session's lifetime; the
// store lock only guards the index and the arena.
type Store struct {
	name  string
	txns  *txn.Manager
	locks *lock.Manager

	mu    sync.RWMutex
	arena *mvcc.Arena
	index *btree.BTree

	policy    eviction.Policy
	listeners []eviction.Listener

	interval   time.Duration
	wg         sync.WaitGroup
	job        *worker.Worker
	running    atomic.Bool
	vacuums    atomic.Uint64
	lastVacuum atomic.Duration
}

func New(name string, txns *txn.Manager, locks *lock.Manager, opts ...Option) *Store {
	s := &Store{
		name:     name,
		txns:     txns,
		locks:    locks,
		arena:    mvcc.NewArena(),
		index:    btree.New(32),
		interval: DefaultVacuumInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.job = worker.NewTickWorker("vacuum-"+name, &s.wg, s.interval)
	txns.OnCompleted(func(t *txn.Transaction) {
		for _, p := range t.Participants() {
			if p == s.name {
				s.job.Wake()
				return
			}
		}
	})
	return s
}

func (s *Store) Name() string { return s.name }

// Resource returns the lock resource guarding key.
func (s *Store) Resource(key string) string {
	return s.name + "/" + key
}

func (s *Store) chain(key string) *mvcc.VersionChain {
	item := s.index.Get(chainItem{key: key})
	if item == nil {
		return nil
	}
	return item.(chainItem).chain
}

func (s *Store) writeContext(tx Tx, key string) (*mvcc.CommandContext, error) {
	if tx == nil {
		return nil, errors.Trace(ErrSessionRequired)
	}
	if _, err := tx.AcquireLock(lock.Exclusive, s.Resource(key)); err != nil {
		return nil, err
	}
	ctx, err := tx.WriteContext()
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func (s *Store) readContext(tx Tx) *mvcc.CommandContext {
	if tx == nil {
		return mvcc.NewCommandContext(s.txns, nil, 0)
	}
	return tx.ReadContext()
}

// checkWritable fails when chain holds a version newer than the one ctx sees
// that was not written by an aborted transaction. Only serializable
// transactions can observe such a state.
func (s *Store) checkWritable(chain *mvcc.VersionChain, ctx *mvcc.CommandContext, visible *mvcc.Slot) error {
	conflict := func() error {
		return errors.Trace(&lock.ErrSerializableConflict{Resource: s.Resource(chain.Key()), Owner: ctx.TxnID()})
	}
	if visible != nil && visible.XMax != 0 && visible.XMax != ctx.TxnID() && !s.aborted(visible.XMax) {
		return conflict()
	}
	for _, slot := range chain.Slots(s.arena) {
		if slot == visible || slot.XMax != 0 || s.aborted(slot.XMin) {
			continue
		}
		return conflict()
	}
	return nil
}

func (s *Store) aborted(id uint64) bool {
	status, ok := s.txns.Status(id)
	return ok && status == txn.Aborted
}

// Add inserts key. ownerKey makes the element a property of that node.
func (s *Store) Add(tx Tx, key string, value mvcc.Value, ownerKey string) (err error) {
	defer func() { storeOpCounter.WithLabelValues(s.name, "add", result(err)).Inc() }()
	ctx, err := s.writeContext(tx, key)
	if err != nil {
		return err
	}

	kind := mvcc.KindNode
	if ownerKey != "" {
		kind = mvcc.KindProperty
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chain(key)
	if chain == nil {
		chain = mvcc.NewVersionChain(key, kind, ownerKey)
		s.index.ReplaceOrInsert(chainItem{key: key, chain: chain})
	} else {
		visible := chain.InSnapshot(s.arena, ctx)
		if visible != nil {
			return errors.Trace(&ErrDuplicateKey{Store: s.name, Key: key})
		}
		if err := s.checkWritable(chain, ctx, nil); err != nil {
			return err
		}
		if chain.Kind() != kind || chain.OwnerKey() != ownerKey {
			return errors.Trace(&ErrKindMismatch{Store: s.name, Key: key, Kind: chain.Kind(), OwnerKey: chain.OwnerKey()})
		}
	}
	chain.Append(s.arena.Alloc(value.Clone(), ctx.TxnID(), ctx.Ordinal()))
	ctx.Transaction().Enlist(s.name)
	return nil
}

// Update replaces the value visible under key with a new version.
func (s *Store) Update(tx Tx, key string, value mvcc.Value) (err error) {
	defer func() { storeOpCounter.WithLabelValues(s.name, "update", result(err)).Inc() }()
	ctx, err := s.writeContext(tx, key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chain(key)
	var visible *mvcc.Slot
	if chain != nil {
		visible = chain.InSnapshot(s.arena, ctx)
	}
	if visible == nil {
		return errors.Trace(&ErrKeyNotFound{Store: s.name, Key: key})
	}
	if err := s.checkWritable(chain, ctx, visible); err != nil {
		return err
	}
	visible.XMax, visible.CMax = ctx.TxnID(), ctx.Ordinal()
	chain.Append(s.arena.Alloc(value.Clone(), ctx.TxnID(), ctx.Ordinal()))
	ctx.Transaction().Enlist(s.name)
	return nil
}

// Remove deletes the version visible under key. It reports false when there
// was nothing to remove.
func (s *Store) Remove(tx Tx, key string) (removed bool, err error) {
	defer func() { storeOpCounter.WithLabelValues(s.name, "remove", result(err)).Inc() }()
	ctx, err := s.writeContext(tx, key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chain(key)
	if chain == nil {
		return false, nil
	}
	visible := chain.InSnapshot(s.arena, ctx)
	if visible == nil {
		return false, nil
	}
	if err := s.checkWritable(chain, ctx, visible); err != nil {
		return false, err
	}
	visible.XMax, visible.CMax = ctx.TxnID(), ctx.Ordinal()
	ctx.Transaction().Enlist(s.name)
	return true, nil
}

// Get returns a clone of the value of key visible to tx. A nil tx reads the
// latest committed state.
func (s *Store) Get(tx Tx, key string) (mvcc.Value, bool) {
	ctx := s.readContext(tx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chain(key)
	if chain == nil {
		return nil, false
	}
	chain.Touch()
	slot := chain.InSnapshot(s.arena, ctx)
	if slot == nil {
		return nil, false
	}
	return slot.Value.Clone(), true
}

// WrittenBy reports whether the version of key visible to tx was created by
// the transaction of tx.
func (s *Store) WrittenBy(tx Tx, key string) bool {
	if tx == nil {
		return false
	}
	ctx := tx.ReadContext()
	if ctx.TxnID() == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chain(key)
	if chain == nil {
		return false
	}
	slot := chain.InSnapshot(s.arena, ctx)
	return slot != nil && slot.XMin == ctx.TxnID()
}

func (s *Store) Exists(tx Tx, key string) bool {
	_, ok := s.Get(tx, key)
	return ok
}

// ScanEntries returns every element of the given kinds visible to tx, in key
// order.
func (s *Store) ScanEntries(tx Tx, kinds mvcc.ElementKind) []Entry {
	ctx := s.readContext(tx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []Entry
	s.index.Ascend(func(i btree.Item) bool {
		chain := i.(chainItem).chain
		if chain.Kind()&kinds == 0 {
			return true
		}
		if slot := chain.InSnapshot(s.arena, ctx); slot != nil {
			entries = append(entries, Entry{
				Key:      chain.Key(),
				Kind:     chain.Kind(),
				OwnerKey: chain.OwnerKey(),
				Value:    slot.Value.Clone(),
			})
		}
		return true
	})
	return entries
}

// Scan returns the values of ScanEntries.
func (s *Store) Scan(tx Tx, kinds mvcc.ElementKind) []mvcc.Value {
	entries := s.ScanEntries(tx, kinds)
	values := make([]mvcc.Value, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.Value)
	}
	return values
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Slots:      s.arena.Len(),
		FreeSlots:  s.arena.FreeLen(),
		Vacuums:    s.vacuums.Load(),
		LastVacuum: s.lastVacuum.Load(),
	}
	s.index.Ascend(func(i btree.Item) bool {
		if i.(chainItem).chain.Kind() == mvcc.KindNode {
			st.Nodes++
		} else {
			st.Properties++
		}
		return true
	})
	return st
}

// Start launches the background vacuum job. It is a no-op while the job is
// running; a stopped job can be started again.
func (s *Store) Start() {
	if !s.running.CAS(false, true) {
		return
	}
	s.job.Start(vacuumHandler{s: s})
}

// Stop stops the background vacuum job and waits for it.
func (s *Store) Stop() {
	if !s.running.CAS(true, false) {
		return
	}
	s.job.Stop()
	s.wg.Wait()
}

// vacuumHandler runs vacuum passes for the background job.
type vacuumHandler struct {
	s *Store
}

func (h vacuumHandler) Handle(task worker.Task) {
	switch task.(type) {
	case worker.TaskTick, worker.TaskWake:
		h.s.Vacuum()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
