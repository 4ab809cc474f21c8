package session

import (
	"math/bits"
	"sync"
)

// MaxSessions is the number of outer sessions that may run at once.
const MaxSessions = 1024

// indexAllocator hands out the small integers 1..MaxSessions identifying
// running sessions, reusing released ones lowest first.
type indexAllocator struct {
	mu   sync.Mutex
	used [MaxSessions / 64]uint64
}

func (a *indexAllocator) alloc() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for w := range a.used {
		if a.used[w] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^a.used[w])
		a.used[w] |= 1 << uint(bit)
		return uint32(w*64+bit) + 1, true
	}
	return 0, false
}

func (a *indexAllocator) release(idx uint32) {
	if idx == 0 || idx > MaxSessions {
		return
	}
	i := idx - 1
	a.mu.Lock()
	a.used[i/64] &^= 1 << (i % 64)
	a.mu.Unlock()
}

func (a *indexAllocator) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, w := range a.used {
		n += bits.OnesCount64(w)
	}
	return n
}
