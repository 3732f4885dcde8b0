// Package mesh holds the AMR-side consumers of the Token exchange: the cell
// store handle, the kid/mother relationship tables, and the reconstruction
// relocation patterns.
package mesh

import (
	"github.com/meshcomm/pkg/addressing"
	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/collections"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
)

// Cells is a lightweight handle on this rank's slice of the distributed cell
// store: real cells first, then clone (ghost) cells. It owns the global base
// table and tracks whether that table still matches the store.
type Cells struct {
	comm comm.Comm

	numLocal  cell.LocalIndex
	numClones cell.LocalIndex

	// cellAddress[l] is the global id of local cell l. For clone cells it
	// names the remote cell being shadowed and is maintained by the caller.
	cellAddress []cell.OptionalGlobal

	active *collections.Bitset

	bases addressing.BaseTable
	state addressing.State
}

// NewCells creates an empty cell store handle on the given communicator.
func NewCells(c comm.Comm) *Cells {
	return &Cells{
		comm:   c,
		active: collections.NewBitset(0),
		state:  addressing.NeedsResize,
	}
}

// Resize sets the local real and clone cell counts. Every real cell, including
// one deactivated before, is marked active.
func (c *Cells) Resize(numLocal, numClones cell.LocalIndex) {
	total := int(numLocal) + int(numClones)
	if total > len(c.cellAddress) {
		grown := make([]cell.OptionalGlobal, total)
		copy(grown, c.cellAddress)
		for i := len(c.cellAddress); i < total; i++ {
			grown[i] = cell.NoGlobal()
		}
		c.cellAddress = grown
	} else {
		c.cellAddress = c.cellAddress[:total]
	}

	for l := cell.LocalIndex(0); l < numLocal; l++ {
		c.active.Set(int(l))
	}

	c.numLocal = numLocal
	c.numClones = numClones
	c.state = addressing.NeedsResize
}

// NumLocalCells returns the number of real cells on this rank.
func (c *Cells) NumLocalCells() cell.LocalIndex { return c.numLocal }

// NumCloneCells returns the number of clone cells on this rank.
func (c *Cells) NumCloneCells() cell.LocalIndex { return c.numClones }

// NumLocalCellsWithClones returns the combined count.
func (c *Cells) NumLocalCellsWithClones() cell.LocalIndex {
	return c.numLocal + c.numClones
}

// CellAddress returns the per-cell global address table. Callers may write
// clone entries directly.
func (c *Cells) CellAddress() []cell.OptionalGlobal { return c.cellAddress }

// GlobalBase returns the per-rank base address table.
func (c *Cells) GlobalBase() addressing.BaseTable { return c.bases }

// State reports whether the base table matches the store.
func (c *Cells) State() addressing.State { return c.state }

// MarkRebase flags that global ids were relabelled with unchanged counts.
func (c *Cells) MarkRebase() {
	if c.state == addressing.Consistent {
		c.state = addressing.NeedsRebase
	}
}

// IsActive reports whether local cell l takes part in the computation.
func (c *Cells) IsActive(l cell.LocalIndex) bool { return c.active.Test(int(l)) }

// SetActive marks or unmarks local cell l as active.
func (c *Cells) SetActive(l cell.LocalIndex, active bool) {
	if active {
		c.active.Set(int(l))
	} else {
		c.active.Clear(int(l))
	}
}

// UpdateGlobalBase re-exchanges local cell counts when needed and refreshes
// the base table and the real cells' global addresses. Collective when the
// store is not Consistent, a no-op otherwise.
func (c *Cells) UpdateGlobalBase() error {
	if c.state == addressing.Consistent {
		return nil
	}

	counts := make([]uint32, c.comm.Size())
	if err := comm.AllGatherUint32(c.comm, uint32(c.numLocal), counts); err != nil {
		return errors.Trace(err)
	}

	if len(c.bases) != len(counts) {
		c.bases = make(addressing.BaseTable, len(counts))
	}
	addressing.ScanInto(counts, c.bases)

	base := c.bases[c.comm.Rank()]
	for l := cell.LocalIndex(0); l < c.numLocal; l++ {
		c.cellAddress[l] = cell.SomeGlobal(base + cell.GlobalIndex(l))
	}

	c.state = addressing.Consistent
	return nil
}

// TokenBuilder returns a fresh builder over this store's communicator and
// base table. UpdateGlobalBase must have run since the last resize.
func (c *Cells) TokenBuilder() (*comm.TokenBuilder, error) {
	if c.state != addressing.Consistent {
		return nil, errors.Trace(errors.Newf(errors.CodeConsistencyError,
			"base table is %s; call UpdateGlobalBase first", c.state))
	}
	builder := comm.FromComm(c.comm)
	if err := builder.SetCellBases(c.bases); err != nil {
		return nil, errors.Trace(err)
	}
	return builder, nil
}
