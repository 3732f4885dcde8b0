package addressing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcomm/pkg/cell"
)

func TestNewBaseTableIsExclusiveScan(t *testing.T) {
	table := NewBaseTable([]uint32{10, 11, 12, 13})
	assert.Equal(t, BaseTable{0, 10, 21, 33}, table)
}

func TestScanIntoReusesStorage(t *testing.T) {
	table := make(BaseTable, 4)
	ScanInto([]uint32{1, 2, 3, 4}, table)
	assert.Equal(t, BaseTable{0, 1, 3, 6}, table)
}

func TestResolve(t *testing.T) {
	table := BaseTable{0, 7, 16, 22}

	tests := []struct {
		query cell.GlobalIndex
		rank  int
		local cell.LocalIndex
	}{
		{0, 0, 0},
		{3, 0, 3},
		{7, 1, 0},
		{15, 1, 8},
		{16, 2, 0},
		{17, 2, 1},
		{22, 3, 0},
		{80, 3, 58},
	}

	for _, tt := range tests {
		rank, local, err := table.Resolve(tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.rank, rank, "query %d", tt.query)
		assert.Equal(t, tt.local, local, "query %d", tt.query)
	}
}

func TestResolveSkipsEmptyRanks(t *testing.T) {
	// Ranks 1 and 2 own no cells.
	table := BaseTable{0, 5, 5, 5, 9}

	rank, local, err := table.Resolve(5)
	require.NoError(t, err)
	assert.Equal(t, 3, rank)
	assert.Equal(t, cell.LocalIndex(0), local)

	rank, local, err = table.Resolve(4)
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	assert.Equal(t, cell.LocalIndex(4), local)
}

func TestResolveRejectsBelowFirstBase(t *testing.T) {
	table := BaseTable{3, 7}
	_, _, err := table.Resolve(1)
	assert.Error(t, err)
}

func TestGlobalOfInvertsResolve(t *testing.T) {
	table := BaseTable{0, 7, 16, 22}
	for _, g := range []cell.GlobalIndex{0, 6, 7, 15, 16, 21, 22, 30} {
		rank, local, err := table.Resolve(g)
		require.NoError(t, err)
		assert.Equal(t, g, table.GlobalOf(rank, local))
	}
}

func TestFlagPEs(t *testing.T) {
	table := BaseTable{0, 7, 16, 22}
	flags := make([]int, 4)

	aways := []cell.OptionalGlobal{
		cell.SomeGlobal(3),
		cell.NoGlobal(),
		cell.SomeGlobal(17),
		cell.SomeGlobal(16),
	}
	require.NoError(t, table.FlagPEs(aways, flags))
	assert.Equal(t, []int{1, 0, 1, 0}, flags)

	// Flags accumulate; already-set entries stay set.
	require.NoError(t, table.FlagPEs([]cell.OptionalGlobal{cell.SomeGlobal(8)}, flags))
	assert.Equal(t, []int{1, 1, 1, 0}, flags)
}

func TestFlagPEsRejectsWrongLength(t *testing.T) {
	table := BaseTable{0, 7}
	assert.Error(t, table.FlagPEs(nil, make([]int, 3)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "consistent", Consistent.String())
	assert.Equal(t, "needs-rebase", NeedsRebase.String())
	assert.Equal(t, "needs-resize", NeedsResize.String())
}
