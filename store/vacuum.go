package store

import (
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinystore/store/eviction"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const vacuumFailpoint = "github.com/pingcap-incubator/tinystore/store/vacuumError"

type vacuumResult struct {
	reclaimed int
	reset     int
	dropped   int
	evicted   []eviction.Notification
}

// Vacuum physically removes versions no snapshot can see any more, evicts
// chains per the eviction policy and lets the transaction manager forget
// finished transactions. It is best effort: failures are logged and dropped.
func (s *Store) Vacuum() {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("vacuum panicked", zap.String("store", s.name), zap.Reflect("panic", r))
		}
	}()

	start := time.Now()
	res, err := s.vacuum()
	if err != nil {
		log.Warn("vacuum failed", zap.String("store", s.name), zap.Error(err))
		return
	}
	elapsed := time.Since(start)
	s.vacuums.Inc()
	s.lastVacuum.Store(elapsed)
	vacuumDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())
	reclaimedCounter.WithLabelValues(s.name).Add(float64(res.reclaimed))

	if res.reclaimed > 0 || res.dropped > 0 {
		log.Debug("vacuum finished",
			zap.String("store", s.name),
			zap.Int("reclaimed", res.reclaimed),
			zap.Int("reset", res.reset),
			zap.Int("dropped-chains", res.dropped),
			zap.Duration("elapsed", elapsed))
	}
	if len(res.evicted) > 0 {
		log.Info("evicted chains", zap.String("store", s.name), zap.Int("count", len(res.evicted)))
	}
	for _, n := range res.evicted {
		evictedCounter.WithLabelValues(s.name, n.Kind.String()).Inc()
		for _, fn := range s.listeners {
			fn(n)
		}
	}
	s.txns.Vacuum()
}

func (s *Store) vacuum() (res vacuumResult, err error) {
	if v, ferr := failpoint.Eval(vacuumFailpoint); ferr == nil {
		return res, errors.Errorf("injected vacuum error: %v", v)
	}

	// Only transactions aborted before the walk starts have every version
	// removed by it. Later aborts wait for the next pass.
	aborted := s.txns.AbortedIDs()
	horizon := s.txns.Horizon()

	s.mu.Lock()
	defer s.mu.Unlock()

	var empty []string
	s.index.Ascend(func(i btree.Item) bool {
		chain := i.(chainItem).chain
		res.reclaimed += chain.Retain(func(ref mvcc.SlotRef) bool {
			slot := s.arena.Get(ref)
			if slot == nil {
				return false
			}
			if status, ok := s.txns.Status(slot.XMin); ok && status == txn.Aborted {
				s.arena.Free(ref)
				return false
			}
			if slot.XMax == 0 {
				return true
			}
			status, ok := s.txns.Status(slot.XMax)
			switch {
			case ok && status == txn.Aborted:
				slot.XMax, slot.CMax = 0, 0
				res.reset++
			case (!ok || status == txn.Committed) && slot.XMax < horizon:
				s.arena.Free(ref)
				return false
			}
			return true
		})
		if chain.Len() == 0 {
			empty = append(empty, chain.Key())
		}
		return true
	})
	for _, key := range empty {
		s.index.Delete(chainItem{key: key})
	}
	res.dropped = len(empty)
	res.evicted = s.evict()

	if s.arena.FreeLen() > s.arena.Len() {
		next, remap := s.arena.Compacted()
		s.index.Ascend(func(i btree.Item) bool {
			i.(chainItem).chain.Compact(remap)
			return true
		})
		s.arena = next
	}

	for _, id := range aborted {
		s.txns.Acknowledge(id, s.name)
	}
	return res, nil
}

// evict runs the eviction policy over node chains, then property chains. It
// must be called with mu held.
func (s *Store) evict() []eviction.Notification {
	if s.policy == nil {
		return nil
	}
	defer s.policy.ProcessTerminated()

	var evicted []eviction.Notification
	for _, kind := range []mvcc.ElementKind{mvcc.KindNode, mvcc.KindProperty} {
		var chains []*mvcc.VersionChain
		s.index.Ascend(func(i btree.Item) bool {
			if c := i.(chainItem).chain; c.Kind() == kind {
				chains = append(chains, c)
			}
			return true
		})
		// Least recently used first.
		sort.SliceStable(chains, func(i, j int) bool {
			return chains[i].LastAccess().Before(chains[j].LastAccess())
		})

		s.policy.StartProcess(kind, len(chains))
		for _, c := range chains {
			if !s.policy.ShouldEvict(s.Resource(c.Key()), c) {
				continue
			}
			c.Retain(func(ref mvcc.SlotRef) bool {
				s.arena.Free(ref)
				return false
			})
			s.index.Delete(chainItem{key: c.Key()})
			evicted = append(evicted, eviction.Notification{
				Store:      s.name,
				Key:        c.Key(),
				Kind:       c.Kind(),
				Hits:       c.Hits(),
				LastAccess: c.LastAccess(),
			})
		}
	}
	return evicted
}
