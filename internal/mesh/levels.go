package mesh

import (
	"context"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
)

// Levels aggregates the refinement-level view of the mesh: the per-cell
// level tags, the AMR work arrays relocated during reconstruction, and the
// KidMom relationship tables with their token pools.
type Levels struct {
	*KidMom

	// cellLevel[l] is the refinement level of cell l; absent for holes.
	cellLevel []cell.OptionalLocal

	// Reconstruction work arrays, level-parallel with the cell store.
	flag    []int32
	flagTag []int32
	amrTag  []int32
	levelMx []int32
}

// NewLevels creates an empty Levels aggregate on the given communicator.
func NewLevels(c comm.Comm) *Levels {
	return &Levels{KidMom: NewKidMom(c)}
}

// ResizeLocal grows every level-parallel array to newSize.
func (lv *Levels) ResizeLocal(numCells, newSize cell.LocalIndex) error {
	if err := lv.KidMom.ResizeLocal(numCells, newSize); err != nil {
		return errors.Trace(err)
	}

	lv.cellLevel = growOptionalLocal(lv.cellLevel, int(newSize))
	lv.flag = growInt32(lv.flag, int(newSize))
	lv.flagTag = growInt32(lv.flagTag, int(newSize))
	lv.amrTag = growInt32(lv.amrTag, int(newSize))
	lv.levelMx = growInt32(lv.levelMx, int(newSize))
	return nil
}

func growOptionalLocal(s []cell.OptionalLocal, n int) []cell.OptionalLocal {
	if n <= len(s) {
		return s[:n]
	}
	grown := make([]cell.OptionalLocal, n)
	copy(grown, s)
	for i := len(s); i < n; i++ {
		grown[i] = cell.NoLocal()
	}
	return grown
}

func growInt32(s []int32, n int) []int32 {
	if n <= len(s) {
		return s[:n]
	}
	grown := make([]int32, n)
	copy(grown, s)
	return grown
}

// CellLevel returns the per-cell level table.
func (lv *Levels) CellLevel() []cell.OptionalLocal { return lv.cellLevel }

// SetCellLevel tags cell l with a refinement level.
func (lv *Levels) SetCellLevel(l cell.LocalIndex, level cell.LocalIndex) {
	lv.cellLevel[l] = cell.SomeLocal(level)
}

// Flag returns the refinement flag array.
func (lv *Levels) Flag() []int32 { return lv.flag }

// BuildPack partitions cells by level using the aggregate's level tags.
// Collective.
func (lv *Levels) BuildPack(ctx context.Context, cells *Cells) error {
	if err := lv.KidMom.BuildPack(ctx, cells, lv.cellLevel); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(lv.KidMom.checkLoHiPackAndLevels(cells, lv.cellLevel))
}

// ForEachAtLevel calls fn for every local cell at the given level, in lpoint
// order.
func (lv *Levels) ForEachAtLevel(level int, fn func(l cell.LocalIndex)) {
	for _, l := range lv.CellsAtLevel(level) {
		fn(l)
	}
}

// ReconMove relocates every level-parallel array, the KidMom tables
// included, with one set of descriptors. Collective.
func (lv *Levels) ReconMove(ctx context.Context, sendStart, sendLength, recvStart, recvLength []cell.LocalIndex) error {
	if err := lv.KidMom.ReconMove(ctx, sendStart, sendLength, recvStart, recvLength); err != nil {
		return errors.Trace(err)
	}

	pattern := NewReconMovePattern(lv.KidMom.comm, sendStart, sendLength, recvStart, recvLength)
	if err := MoveSlice(ctx, pattern, lv.cellLevel); err != nil {
		return errors.Trace(err)
	}
	for _, arr := range [][]int32{lv.flag, lv.flagTag, lv.amrTag, lv.levelMx} {
		if err := MoveSlice(ctx, pattern, arr); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
