// Package cell defines the index types shared by the mesh and communication layers.
package cell

import "math"

// LocalIndex addresses a cell on its owning rank.
type LocalIndex = uint32

// GlobalIndex is a globally unique cell id.
type GlobalIndex = uint64

const (
	noLocal  uint32 = math.MaxUint32
	noGlobal uint64 = math.MaxUint64
	noRank   int32  = -1
)

// OptionalLocal is a LocalIndex that may be absent. The zero value is a
// present index 0; use NoLocal() for the absent value.
type OptionalLocal uint32

// SomeLocal wraps a present local index.
func SomeLocal(l LocalIndex) OptionalLocal { return OptionalLocal(l) }

// NoLocal returns the absent local index.
func NoLocal() OptionalLocal { return OptionalLocal(noLocal) }

// Valid reports whether the index is present.
func (o OptionalLocal) Valid() bool { return uint32(o) != noLocal }

// Get returns the index value. Only meaningful when Valid.
func (o OptionalLocal) Get() LocalIndex { return LocalIndex(o) }

// OptionalGlobal is a GlobalIndex that may be absent.
type OptionalGlobal uint64

// SomeGlobal wraps a present global index.
func SomeGlobal(g GlobalIndex) OptionalGlobal { return OptionalGlobal(g) }

// NoGlobal returns the absent global index.
func NoGlobal() OptionalGlobal { return OptionalGlobal(noGlobal) }

// Valid reports whether the index is present.
func (o OptionalGlobal) Valid() bool { return uint64(o) != noGlobal }

// Get returns the index value. Only meaningful when Valid.
func (o OptionalGlobal) Get() GlobalIndex { return GlobalIndex(o) }

// Add offsets a present global index; the absent value is preserved.
func (o OptionalGlobal) Add(delta GlobalIndex) OptionalGlobal {
	if !o.Valid() {
		return o
	}
	return OptionalGlobal(uint64(o) + delta)
}

// OptionalRank is a communicator rank that may be absent.
type OptionalRank int32

// SomeRank wraps a present rank.
func SomeRank(r int) OptionalRank { return OptionalRank(r) }

// NoRank returns the absent rank.
func NoRank() OptionalRank { return OptionalRank(noRank) }

// Valid reports whether the rank is present.
func (o OptionalRank) Valid() bool { return int32(o) != noRank }

// Get returns the rank value. Only meaningful when Valid.
func (o OptionalRank) Get() int { return int(o) }
