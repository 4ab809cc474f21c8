package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// CompletedFunc is called once a transaction becomes terminal.
type CompletedFunc func(t *Transaction)

// Manager issues transaction ids and keeps the registry of transactions whose
// status readers may still need. Committed transactions are forgotten by
// Vacuum once no snapshot can distinguish them from "long committed".
type Manager struct {
	nextID atomic.Uint64

	mu        sync.RWMutex
	txns      map[uint64]*Transaction
	active    map[uint64]*Transaction
	listeners []CompletedFunc
}

func NewManager() *Manager {
	return &Manager{
		txns:   make(map[uint64]*Transaction),
		active: make(map[uint64]*Transaction),
	}
}

// OnCompleted registers fn to run after every commit or rollback that ends a
// transaction.
func (m *Manager) OnCompleted(fn CompletedFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Begin starts a new transaction with one nested marker pushed. Serializable
// transactions snapshot the set of transactions active right now.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	t := newTransaction(m.nextID.Inc(), isolation)
	if isolation == Serializable {
		t.activeAtStart = make(map[uint64]struct{}, len(m.active))
		for id := range m.active {
			t.activeAtStart[id] = struct{}{}
		}
	}
	t.markers = append(t.markers, Active)
	m.txns[t.id] = t
	m.active[t.id] = t
	activeTxnGauge.Set(float64(len(m.active)))
	m.mu.Unlock()

	log.Debug("begin transaction", zap.Uint64("txn", t.id), zap.Stringer("isolation", isolation))
	return t
}

// BeginNested pushes another marker onto a running transaction.
func (m *Manager) BeginNested(t *Transaction) error {
	return t.push()
}

// Commit resolves the innermost marker of t as committed.
func (m *Manager) Commit(t *Transaction) error {
	return m.resolve(t, Committed)
}

// Rollback resolves the innermost marker of t as aborted. An aborted marker
// dooms the whole transaction.
func (m *Manager) Rollback(t *Transaction) error {
	return m.resolve(t, Aborted)
}

func (m *Manager) resolve(t *Transaction, status Status) error {
	final, done, err := t.pop(status)
	if err != nil || !done {
		return err
	}

	m.mu.Lock()
	t.status.Store(int32(final))
	delete(m.active, t.id)
	activeTxnGauge.Set(float64(len(m.active)))
	listeners := m.listeners
	m.mu.Unlock()

	txnCounter.WithLabelValues(final.String()).Inc()
	txnDuration.WithLabelValues(final.String()).Observe(time.Since(t.startTime).Seconds())
	log.Debug("transaction finished", zap.Uint64("txn", t.id), zap.Stringer("status", final))

	for _, fn := range listeners {
		fn(t)
	}
	return nil
}

// Get returns the registered transaction with id, or nil when it is unknown.
func (m *Manager) Get(id uint64) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txns[id]
}

// Status reports the state of id. ok is false when the transaction is
// unknown, which readers treat as long committed.
func (m *Manager) Status(id uint64) (status Status, ok bool) {
	m.mu.RLock()
	t, ok := m.txns[id]
	m.mu.RUnlock()
	if !ok {
		return Committed, false
	}
	return t.Status(), true
}

// ActiveIDs returns the ids of running transactions in ascending order.
func (m *Manager) ActiveIDs() []uint64 {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AbortedIDs returns the ids of registered aborted transactions in
// ascending order.
func (m *Manager) AbortedIDs() []uint64 {
	m.mu.RLock()
	var ids []uint64
	for id, t := range m.txns {
		if t.Status() == Aborted {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Horizon returns the smallest transaction id any running snapshot may still
// need to tell apart: the oldest active transaction, lowered to the oldest
// member of any active serializable snapshot. With nothing running it is the
// next id to be issued.
func (m *Manager) Horizon() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.horizonLocked()
}

func (m *Manager) horizonLocked() uint64 {
	horizon := m.nextID.Load() + 1
	for id, t := range m.active {
		if id < horizon {
			horizon = id
		}
		if t.isolation == Serializable {
			if min := t.SnapshotMin(); min < horizon {
				horizon = min
			}
		}
	}
	return horizon
}

// Acknowledge records that participant has removed every version written by
// the aborted transaction id.
func (m *Manager) Acknowledge(id uint64, participant string) {
	if t := m.Get(id); t != nil {
		t.acknowledge(participant)
	}
}

// Vacuum drops committed transactions below the horizon and aborted ones
// whose participants all acknowledged cleanup. It is best effort and never
// fails.
func (m *Manager) Vacuum() (removed int) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("transaction vacuum failed", zap.Reflect("panic", r))
		}
	}()
	if err := m.vacuum(&removed); err != nil {
		log.Warn("transaction vacuum failed", zap.Error(err))
	}
	return removed
}

func (m *Manager) vacuum(removed *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := m.horizonLocked()
	for id, t := range m.txns {
		switch t.Status() {
		case Committed:
			if id >= horizon {
				continue
			}
		case Aborted:
			if !t.fullyAcknowledged() {
				continue
			}
		default:
			if _, ok := m.active[id]; !ok {
				return errors.Errorf("transaction %d is %s but not active", id, t.Status())
			}
			continue
		}
		delete(m.txns, id)
		*removed++
	}
	if *removed > 0 {
		forgottenTxnCounter.Add(float64(*removed))
		log.Debug("vacuum transactions", zap.Int("removed", *removed), zap.Uint64("horizon", horizon))
	}
	return nil
}

// Len returns the number of transactions in the registry.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txns)
}
