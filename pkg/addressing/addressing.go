// Package addressing maps global cell ids to (rank, local index) pairs and back.
//
// The mapping is driven by a BaseTable: for each rank the smallest global id it
// owns. The table is the exclusive prefix-sum of per-rank cell counts, so the
// owner of a global id g is the greatest rank r with table[r] <= g. Ranks that
// own no cells repeat the base of their successor; resolution skips past them.
package addressing

import (
	"sort"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/errors"
)

// State tracks whether a BaseTable still matches the cell store it was
// computed from.
type State int

const (
	// Consistent means the table matches the current local cell count.
	Consistent State = iota
	// NeedsRebase means global ids were relabelled; the table must be rebuilt
	// from unchanged counts.
	NeedsRebase
	// NeedsResize means the local cell count changed; counts must be
	// re-exchanged before the table can be rebuilt.
	NeedsResize
)

func (s State) String() string {
	switch s {
	case Consistent:
		return "consistent"
	case NeedsRebase:
		return "needs-rebase"
	case NeedsResize:
		return "needs-resize"
	default:
		return "unknown"
	}
}

// BaseTable holds, for each rank, the smallest global id owned by that rank.
// It is monotonically non-decreasing.
type BaseTable []cell.GlobalIndex

// NewBaseTable computes the exclusive prefix-sum of per-rank cell counts.
func NewBaseTable(counts []uint32) BaseTable {
	table := make(BaseTable, len(counts))
	var sum cell.GlobalIndex
	for r, n := range counts {
		table[r] = sum
		sum += cell.GlobalIndex(n)
	}
	return table
}

// ScanInto writes the exclusive prefix-sum of counts into table, which must
// have the same length. Reuses the caller's storage.
func ScanInto(counts []uint32, table BaseTable) {
	var sum cell.GlobalIndex
	for r, n := range counts {
		table[r] = sum
		sum += cell.GlobalIndex(n)
	}
}

// Resolve returns the owning rank and rank-local address of a global id.
func (t BaseTable) Resolve(g cell.GlobalIndex) (int, cell.LocalIndex, error) {
	if len(t) == 0 {
		return 0, 0, errors.Trace(errors.New(errors.CodeInvalidArgument, "empty base table"))
	}
	if g < t[0] {
		return 0, 0, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"global id %d is below the first base %d", g, t[0]))
	}

	// First rank whose base exceeds g, minus one.
	rank := sort.Search(len(t), func(i int) bool { return t[i] > g }) - 1

	// Skip over empty ranks so the id lands on the rank that actually owns it.
	for rank != len(t)-1 && t[rank] == t[rank+1] {
		rank++
	}

	return rank, cell.LocalIndex(g - t[rank]), nil
}

// GlobalOf is the inverse of Resolve: the global id of (rank, local).
func (t BaseTable) GlobalOf(rank int, local cell.LocalIndex) cell.GlobalIndex {
	return t[rank] + cell.GlobalIndex(local)
}

// FlagPEs ORs a 1 into flags[owner(g)] for every present id in aways.
// flags must have one entry per rank.
func (t BaseTable) FlagPEs(aways []cell.OptionalGlobal, flags []int) error {
	if len(flags) != len(t) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"flags has %d entries, want one per rank (%d)", len(flags), len(t)))
	}
	for _, away := range aways {
		if !away.Valid() {
			continue
		}
		rank, _, err := t.Resolve(away.Get())
		if err != nil {
			return errors.Trace(err)
		}
		flags[rank] = 1
	}
	return nil
}
