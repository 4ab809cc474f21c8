package mvcc

import "fmt"

// Value is the opaque payload stored in a slot. Stores hand out clones so a
// caller can never mutate a committed version in place.
type Value interface {
	Clone() Value
}

// Bytes is a Value backed by a byte slice.
type Bytes []byte

func (b Bytes) Clone() Value {
	if b == nil {
		return Bytes(nil)
	}
	c := make(Bytes, len(b))
	copy(c, b)
	return c
}

// String is an immutable string Value.
type String string

func (s String) Clone() Value { return s }

// ElementKind discriminates node chains from property chains. Kinds are bit
// flags so a scan can select several at once.
type ElementKind uint8

const (
	KindNode ElementKind = 1 << iota
	KindProperty

	KindAll = KindNode | KindProperty
)

func (k ElementKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindProperty:
		return "property"
	case KindAll:
		return "all"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Slot is one version of the value stored under a key.
type Slot struct {
	// ID is the arena generation the slot was allocated with. Zero marks a free slot.
	ID    uint64
	Value Value
	// XMin is the transaction that created the slot.
	XMin uint64
	// XMax is the transaction that superseded or deleted it, zero while the slot is active.
	XMax uint64
	// CMin is the ordinal of the creating command within XMin.
	CMin uint64
	// CMax is the ordinal of the superseding command within XMax.
	CMax uint64
}

// IsActive reports whether the slot has not been superseded.
func (s *Slot) IsActive() bool {
	return s.XMax == 0
}

func (s *Slot) String() string {
	return fmt.Sprintf("slot{id: %d, xmin: %d, cmin: %d, xmax: %d, cmax: %d}", s.ID, s.XMin, s.CMin, s.XMax, s.CMax)
}
