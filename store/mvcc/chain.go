package mvcc

import (
	"time"

	"go.uber.org/atomic"
)

// VersionChain is the ordered list of slots written under one key, oldest
// first. Lookups walk it backwards since the newest version is the one most
// readers want.
type VersionChain struct {
	key   string
	kind  ElementKind
	owner string
	refs  []SlotRef

	hits       atomic.Uint64
	lastAccess atomic.Int64
}

// NewVersionChain creates an empty chain. owner is the key of the node a
// property chain belongs to and is empty for node chains.
func NewVersionChain(key string, kind ElementKind, owner string) *VersionChain {
	c := &VersionChain{key: key, kind: kind, owner: owner}
	c.lastAccess.Store(time.Now().UnixNano())
	return c
}

func (c *VersionChain) Key() string { return c.key }

func (c *VersionChain) Kind() ElementKind { return c.kind }

func (c *VersionChain) OwnerKey() string { return c.owner }

// Len returns the number of refs held, stale ones included.
func (c *VersionChain) Len() int { return len(c.refs) }

func (c *VersionChain) Append(ref SlotRef) {
	c.refs = append(c.refs, ref)
}

// Slots returns the live slots of the chain, oldest first.
func (c *VersionChain) Slots(a *Arena) []*Slot {
	slots := make([]*Slot, 0, len(c.refs))
	for _, ref := range c.refs {
		if s := a.Get(ref); s != nil {
			slots = append(slots, s)
		}
	}
	return slots
}

// ActiveSlot returns the newest slot that has not been superseded.
func (c *VersionChain) ActiveSlot(a *Arena) *Slot {
	for i := len(c.refs) - 1; i >= 0; i-- {
		if s := a.Get(c.refs[i]); s != nil && s.IsActive() {
			return s
		}
	}
	return nil
}

// InSnapshot returns the newest slot visible to ctx.
func (c *VersionChain) InSnapshot(a *Arena, ctx *CommandContext) *Slot {
	for i := len(c.refs) - 1; i >= 0; i-- {
		if s := a.Get(c.refs[i]); s != nil && ctx.IsVisible(s) {
			return s
		}
	}
	return nil
}

// Touch records a read of the chain.
func (c *VersionChain) Touch() {
	c.hits.Inc()
	c.lastAccess.Store(time.Now().UnixNano())
}

func (c *VersionChain) Hits() uint64 { return c.hits.Load() }

func (c *VersionChain) LastAccess() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// Retain drops every ref for which keep returns false, preserving order, and
// returns how many were dropped.
func (c *VersionChain) Retain(keep func(SlotRef) bool) int {
	kept := c.refs[:0]
	for _, ref := range c.refs {
		if keep(ref) {
			kept = append(kept, ref)
		}
	}
	dropped := len(c.refs) - len(kept)
	for i := len(kept); i < len(c.refs); i++ {
		c.refs[i] = SlotRef{}
	}
	c.refs = kept
	return dropped
}

// Compact rewrites every ref through remap, dropping refs that map to zero.
func (c *VersionChain) Compact(remap func(SlotRef) SlotRef) {
	refs := make([]SlotRef, 0, len(c.refs))
	for _, ref := range c.refs {
		if next := remap(ref); !next.IsZero() {
			refs = append(refs, next)
		}
	}
	c.refs = refs
}
