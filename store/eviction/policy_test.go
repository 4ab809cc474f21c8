package eviction

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/stretchr/testify/assert"
)

type lockSet map[string]bool

func (l lockSet) HasLock(resource string) bool { return l[resource] }

func newPolicy(max int, locks lockSet) *MaxElements {
	p := NewMaxElements(Config{MaxElements: max, MinLifetime: time.Second}, locks)
	// Pretend every chain was last used a minute ago.
	p.now = func() time.Time { return time.Now().Add(time.Minute) }
	return p
}

func TestEvictsOnlyExcess(t *testing.T) {
	p := newPolicy(2, nil)
	p.StartProcess(mvcc.KindNode, 4)
	evicted := 0
	for _, key := range []string{"a", "b", "c", "d"} {
		if p.ShouldEvict(key, mvcc.NewVersionChain(key, mvcc.KindNode, "")) {
			evicted++
		}
	}
	assert.Equal(t, 2, evicted)
	p.ProcessTerminated()
}

func TestDisabledBelowThreshold(t *testing.T) {
	p := newPolicy(10, nil)
	p.StartProcess(mvcc.KindNode, 3)
	assert.False(t, p.ShouldEvict("a", mvcc.NewVersionChain("a", mvcc.KindNode, "")))

	disabled := newPolicy(0, nil)
	disabled.StartProcess(mvcc.KindNode, 1000)
	assert.False(t, disabled.ShouldEvict("a", mvcc.NewVersionChain("a", mvcc.KindNode, "")))
}

func TestNeverEvictsLocked(t *testing.T) {
	p := newPolicy(1, lockSet{"s/a": true})
	p.StartProcess(mvcc.KindNode, 3)
	assert.False(t, p.ShouldEvict("s/a", mvcc.NewVersionChain("a", mvcc.KindNode, "")))
	assert.True(t, p.ShouldEvict("s/b", mvcc.NewVersionChain("b", mvcc.KindNode, "")))
}

func TestMinLifetimeProtectsFreshChains(t *testing.T) {
	p := NewMaxElements(Config{MaxElements: 1, MinLifetime: time.Hour}, nil)
	p.StartProcess(mvcc.KindNode, 5)
	assert.False(t, p.ShouldEvict("a", mvcc.NewVersionChain("a", mvcc.KindNode, "")))
}

func TestPropertiesFollowEvictedOwner(t *testing.T) {
	p := newPolicy(1, lockSet{"s/b.locked": true})
	p.StartProcess(mvcc.KindNode, 2)
	assert.True(t, p.ShouldEvict("s/a", mvcc.NewVersionChain("a", mvcc.KindNode, "")))

	// The property budget is exhausted but the owner is gone.
	p.StartProcess(mvcc.KindProperty, 1)
	assert.True(t, p.ShouldEvict("s/a.name", mvcc.NewVersionChain("a.name", mvcc.KindProperty, "a")))
	assert.False(t, p.ShouldEvict("s/b.name", mvcc.NewVersionChain("b.name", mvcc.KindProperty, "b")))

	p.ProcessTerminated()
	p.StartProcess(mvcc.KindProperty, 1)
	assert.False(t, p.ShouldEvict("s/a.name", mvcc.NewVersionChain("a.name", mvcc.KindProperty, "a")))
}
