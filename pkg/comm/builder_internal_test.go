package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshcomm/pkg/cell"
)

func optLocals(vals ...int) []cell.OptionalLocal {
	out := make([]cell.OptionalLocal, len(vals))
	for i, v := range vals {
		if v < 0 {
			out[i] = cell.NoLocal()
		} else {
			out[i] = cell.SomeLocal(cell.LocalIndex(v))
		}
	}
	return out
}

func optRanks(vals ...int) []cell.OptionalRank {
	out := make([]cell.OptionalRank, len(vals))
	for i, v := range vals {
		out[i] = cell.SomeRank(v)
	}
	return out
}

func TestBuildCopyPlan(t *testing.T) {
	home := []cell.LocalIndex{0, 1, 2, 3, 4, 5, 6, 7}
	awayPE := optRanks(0, 0, 1, 1, 2, 2, 3, 3)
	awayAddress := optLocals(6, 9, 2, 8, 3, 7, 4, 9)

	plan := buildCopyPlan(2, home, awayPE, awayAddress)

	assert.Equal(t, []int{3, 7}, plan.copyFrom)
	assert.Equal(t, []int{4, 5}, plan.copyTo)
	assert.Empty(t, plan.zero)
}

func TestBuildCopyPlanReverse(t *testing.T) {
	home := []cell.LocalIndex{7, 6, 5, 4, 3, 2, 1, 0}
	awayPE := optRanks(0, 0, 1, 1, 2, 2, 3, 3)
	awayAddress := optLocals(6, 9, 2, 8, 3, 7, 4, 9)

	plan := buildCopyPlan(2, home, awayPE, awayAddress)

	assert.Equal(t, []int{3, 7}, plan.copyFrom)
	assert.Equal(t, []int{3, 2}, plan.copyTo)
	assert.Empty(t, plan.zero)
}

func TestBuildCopyPlanZeroes(t *testing.T) {
	home := []cell.LocalIndex{0, 1, 2}
	awayPE := []cell.OptionalRank{cell.SomeRank(0), cell.NoRank(), cell.SomeRank(1)}
	awayAddress := optLocals(5, -1, -1)

	plan := buildCopyPlan(0, home, awayPE, awayAddress)

	assert.Equal(t, []int{5}, plan.copyFrom)
	assert.Equal(t, []int{0}, plan.copyTo)
	assert.Equal(t, []int{1, 2}, plan.zero)
}

func TestBuildSegments(t *testing.T) {
	segments, total := buildSegments(1, []int32{3, 5, 0, 2})

	assert.Equal(t, []Segment{
		{Rank: 0, Begin: 0, Length: 3},
		{Rank: 3, Begin: 3, Length: 2},
	}, segments)
	assert.Equal(t, 5, total)
}

func TestBuildSegmentsExcludesSelfEvenWhenCounted(t *testing.T) {
	segments, total := buildSegments(0, []int32{7, 1, 0})

	assert.Equal(t, []Segment{{Rank: 1, Begin: 0, Length: 1}}, segments)
	assert.Equal(t, 1, total)
}

func TestRecvScratchElems(t *testing.T) {
	segments := []Segment{
		{Rank: 0, Begin: 0, Length: 4},
		{Rank: 1, Begin: 4, Length: 2},
		{Rank: 3, Begin: 6, Length: 3},
	}

	tests := []struct {
		name     string
		maxBytes uint32
		unit     int
		row      int
		want     int
	}{
		{
			// The cap is raised to hold the largest single segment.
			name: "tiny cap", maxBytes: 1, unit: 8, row: 1, want: 4,
		},
		{
			// ceil(33/8) = 5, larger than any segment.
			name: "cap between segments", maxBytes: 33, unit: 8, row: 1, want: 5,
		},
		{
			// A huge cap clamps to the full buffer.
			name: "huge cap", maxBytes: 1 << 20, unit: 8, row: 1, want: 9,
		},
		{
			// Row width scales both the segments and the total.
			name: "row width", maxBytes: 1, unit: 8, row: 3, want: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recvScratchElems(tt.maxBytes, tt.unit, tt.row, segments))
		})
	}
}

func TestBatchEnd(t *testing.T) {
	segments := []Segment{
		{Rank: 0, Begin: 0, Length: 4},
		{Rank: 1, Begin: 4, Length: 2},
		{Rank: 3, Begin: 6, Length: 3},
	}

	// Scratch of 4 elements: first batch is exactly the first segment.
	assert.Equal(t, 1, batchEnd(4, 1, segments, 0))
	// Next batch holds only segment 1: adding segment 2 would need 5 elements.
	assert.Equal(t, 2, batchEnd(4, 1, segments, 1))
	// A scratch bigger than everything takes all segments at once.
	assert.Equal(t, 3, batchEnd(100, 1, segments, 0))
	// Starting at the end stays at the end.
	assert.Equal(t, 3, batchEnd(4, 1, segments, 3))
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "copy", OpCopy.String())
	assert.Equal(t, "max", OpMax.String())
}
