package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultDeadlockTimeout bounds how long Acquire waits for a held resource.
const DefaultDeadlockTimeout = 60 * time.Second

// Mode is the access mode requested for a resource.
type Mode int

const (
	Shared Mode = iota
	Exclusive
	// ExclusiveWait is Exclusive without the serializable conflict check.
	ExclusiveWait
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	case ExclusiveWait:
		return "exclusive-wait"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Owner is the session a lock is acquired for.
type Owner interface {
	LockOwnerID() uint64
	Isolation() txn.IsolationLevel
}

// LockInfo describes the lock held on one resource.
type LockInfo struct {
	Resource string
	Mode     Mode
	// Owner is the session that acquired the lock last.
	Owner    uint64
	RefCount int
	Promoted bool
	// OwnerStatus is the status the last releasing owner reported.
	OwnerStatus txn.Status

	holders map[uint64]Mode
	rw      *rwLock
}

// Holders returns the number of sessions holding the lock.
func (i *LockInfo) Holders() int { return len(i.holders) }

// Manager hands out resource locks to sessions. The lock table is guarded by
// one coarse lock; the per-resource primitive is what sessions wait on.
type Manager struct {
	timeout time.Duration

	mu    sync.RWMutex
	locks map[string]*LockInfo
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultDeadlockTimeout
	}
	return &Manager{
		timeout: timeout,
		locks:   make(map[string]*LockInfo),
	}
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Acquire locks resource for owner in mode and returns the guard releasing it.
// A session that already holds the resource gets a guard whose release is a
// no-op; asking for Exclusive while holding Shared promotes the held lock.
func (m *Manager) Acquire(ctx context.Context, owner Owner, resource string, mode Mode) (*Guard, error) {
	id := owner.LockOwnerID()

	m.mu.Lock()
	info, ok := m.locks[resource]
	if !ok {
		info = &LockInfo{
			Resource: resource,
			Mode:     mode,
			Owner:    id,
			RefCount: 1,
			holders:  map[uint64]Mode{id: mode},
			rw:       newRWLock(),
		}
		info.rw.tryAcquire(mode)
		m.locks[resource] = info
		heldLockGauge.Set(float64(len(m.locks)))
		m.mu.Unlock()
		return newGuard(m, info, id, false), nil
	}

	if held, ok := info.holders[id]; ok {
		m.mu.Unlock()
		if held != Shared || mode == Shared {
			return newGuard(m, info, id, true), nil
		}
		return m.promote(ctx, info, id)
	}

	info.RefCount++
	m.mu.Unlock()

	start := time.Now()
	log.Debug("wait for lock", zap.String("resource", resource), zap.Uint64("session", id), zap.Stringer("mode", mode))
	if !info.rw.acquire(ctx, mode, m.timeout, false) {
		m.mu.Lock()
		m.unref(info)
		m.mu.Unlock()
		if err := ctx.Err(); err != nil {
			lockWaitDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
			return nil, errors.Trace(err)
		}
		lockWaitDuration.WithLabelValues("deadlock").Observe(time.Since(start).Seconds())
		lockFailureCounter.WithLabelValues("deadlock").Inc()
		log.Warn("lock wait timed out", zap.String("resource", resource), zap.Uint64("session", id), zap.Duration("timeout", m.timeout))
		return nil, errors.Trace(&ErrDeadlock{Resource: resource, Owner: id, Timeout: m.timeout})
	}
	lockWaitDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if owner.Isolation() == txn.Serializable && info.OwnerStatus == txn.Committed && mode == Exclusive {
		info.rw.release(mode)
		m.unref(info)
		lockFailureCounter.WithLabelValues("serializable_conflict").Inc()
		log.Warn("serializable conflict", zap.String("resource", resource), zap.Uint64("session", id))
		return nil, errors.Trace(&ErrSerializableConflict{Resource: resource, Owner: id})
	}
	info.holders[id] = mode
	info.Owner = id
	info.Mode = mode
	info.OwnerStatus = txn.Active
	return newGuard(m, info, id, false), nil
}

func (m *Manager) promote(ctx context.Context, info *LockInfo, id uint64) (*Guard, error) {
	if !info.rw.acquire(ctx, Exclusive, m.timeout, true) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		lockFailureCounter.WithLabelValues("deadlock").Inc()
		log.Warn("lock promotion timed out", zap.String("resource", info.Resource), zap.Uint64("session", id))
		return nil, errors.Trace(&ErrDeadlock{Resource: info.Resource, Owner: id, Timeout: m.timeout})
	}
	m.mu.Lock()
	info.holders[id] = Exclusive
	info.Mode = Exclusive
	info.Owner = id
	info.Promoted = true
	m.mu.Unlock()
	return newGuard(m, info, id, true), nil
}

// unref drops one reference and removes the entry once unused. It must be
// called with mu held.
func (m *Manager) unref(info *LockInfo) {
	info.RefCount--
	if info.RefCount <= 0 {
		delete(m.locks, info.Resource)
		heldLockGauge.Set(float64(len(m.locks)))
	}
}

func (m *Manager) release(info *LockInfo, owner uint64, status *txn.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := info.holders[owner]
	if !ok {
		return
	}
	delete(info.holders, owner)
	if status != nil {
		info.OwnerStatus = *status
	}
	info.rw.release(mode)
	m.unref(info)
}

// HasLock reports whether any session holds or waits for resource.
func (m *Manager) HasLock(resource string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locks[resource]
	return ok
}

// Info returns a copy of the entry for resource.
func (m *Manager) Info(resource string) (LockInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.locks[resource]
	if !ok {
		return LockInfo{}, false
	}
	cp := *info
	cp.holders = make(map[uint64]Mode, len(info.holders))
	for k, v := range info.holders {
		cp.holders[k] = v
	}
	cp.rw = nil
	return cp, true
}

// Len returns the number of resources with a lock entry.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

// Guard releases a lock obtained from Manager.Acquire. Guards handed out for
// reentrant acquisitions release nothing.
type Guard struct {
	mgr       *Manager
	info      *LockInfo
	owner     uint64
	reentrant bool
	released  atomic.Bool
}

func newGuard(m *Manager, info *LockInfo, owner uint64, reentrant bool) *Guard {
	return &Guard{mgr: m, info: info, owner: owner, reentrant: reentrant}
}

func (g *Guard) Resource() string { return g.info.Resource }

// Reentrant reports whether the guard was issued to a session already holding
// the resource.
func (g *Guard) Reentrant() bool { return g.reentrant }

// Release gives the lock back without reporting an outcome.
func (g *Guard) Release() {
	g.release(nil)
}

// ReleaseWithStatus records the final status of the owning session on the
// lock before giving it back, so waiters can detect serializable conflicts.
func (g *Guard) ReleaseWithStatus(status txn.Status) {
	g.release(&status)
}

func (g *Guard) release(status *txn.Status) {
	if g.reentrant || !g.released.CAS(false, true) {
		return
	}
	g.mgr.release(g.info, g.owner, status)
}
