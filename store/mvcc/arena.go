package mvcc

// SlotRef addresses a slot inside an Arena. A ref goes stale once its slot is
// freed: the generation it carries no longer matches.
type SlotRef struct {
	index uint32
	gen   uint64
}

// ID returns the generation of the referenced slot.
func (r SlotRef) ID() uint64 { return r.gen }

// IsZero reports whether r was never assigned.
func (r SlotRef) IsZero() bool { return r.gen == 0 }

// Arena owns every slot of a store. Freed entries are reused before the
// backing slice grows. An Arena is not safe for concurrent use; the owning
// store serializes access.
type Arena struct {
	slots []Slot
	free  []uint32
	gen   uint64
}

func NewArena() *Arena {
	return &Arena{}
}

// Alloc stores a new active slot and returns its ref.
func (a *Arena) Alloc(value Value, xmin, cmin uint64) SlotRef {
	a.gen++
	s := Slot{ID: a.gen, Value: value, XMin: xmin, CMin: cmin}
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = s
		return SlotRef{index: idx, gen: s.ID}
	}
	a.slots = append(a.slots, s)
	return SlotRef{index: uint32(len(a.slots) - 1), gen: s.ID}
}

// Get resolves ref, returning nil when it is stale.
func (a *Arena) Get(ref SlotRef) *Slot {
	if ref.IsZero() || int(ref.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[ref.index]
	if s.ID != ref.gen {
		return nil
	}
	return s
}

// Free releases the slot behind ref for reuse.
func (a *Arena) Free(ref SlotRef) bool {
	s := a.Get(ref)
	if s == nil {
		return false
	}
	*s = Slot{}
	a.free = append(a.free, ref.index)
	return true
}

// Len returns the number of live slots.
func (a *Arena) Len() int {
	return len(a.slots) - len(a.free)
}

// FreeLen returns the number of entries waiting for reuse.
func (a *Arena) FreeLen() int {
	return len(a.free)
}

// Compacted copies the live slots into a fresh arena without holes. The
// returned function translates refs of a into refs of the new arena; stale
// refs translate to the zero ref.
func (a *Arena) Compacted() (*Arena, func(SlotRef) SlotRef) {
	next := &Arena{slots: make([]Slot, 0, a.Len()), gen: a.gen}
	moved := make(map[uint32]uint32, a.Len())
	for i := range a.slots {
		if a.slots[i].ID == 0 {
			continue
		}
		moved[uint32(i)] = uint32(len(next.slots))
		next.slots = append(next.slots, a.slots[i])
	}
	return next, func(ref SlotRef) SlotRef {
		if a.Get(ref) == nil {
			return SlotRef{}
		}
		return SlotRef{index: moved[ref.index], gen: ref.gen}
	}
}
