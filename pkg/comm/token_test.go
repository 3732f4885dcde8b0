package comm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcomm/internal/transport/local"
	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/view"
)

var ctx = context.Background()

func iota32(n int) []cell.LocalIndex {
	out := make([]cell.LocalIndex, n)
	for i := range out {
		out[i] = cell.LocalIndex(i)
	}
	return out
}

// The wraparound-column scenario: a virtual grid whose rows live on ranks
// 0..P-1 with widths 10, 11, ..., and every rank pulls the global column at
// index 2*rank out of each row where it exists, doubles it, and pushes it
// back.
func runWraparoundColumn(t *testing.T, size int) {
	err := local.Run(size, func(c comm.Comm) error {
		rank := c.Rank()
		numCells := 10 + rank

		rowBase := func(r int) cell.GlobalIndex {
			return cell.GlobalIndex(10*r + r*(r-1)/2)
		}

		var globalNeeded []cell.OptionalGlobal
		for r := 0; r < size; r++ {
			if rank*2 < 10+r {
				globalNeeded = append(globalNeeded,
					cell.SomeGlobal(rowBase(r)+cell.GlobalIndex(rank*2)))
			}
		}
		homeMapping := iota32(len(globalNeeded))

		myData := make([]float64, numCells)
		for i := range myData {
			myData[i] = float64(i+1) + float64(rank+1)*0.1
		}

		var getWant []float64
		for r := 0; r < size; r++ {
			if rank*2 < 10+r {
				getWant = append(getWant, float64(rank*2+1)+float64(r+1)*0.1)
			}
		}

		putWant := make([]float64, numCells)
		for i := range putWant {
			multiplier := 1.0
			if i%2 == 0 && i/2 < size {
				multiplier = 2.0
			}
			putWant[i] = (float64(i+1) + float64(rank+1)*0.1) * multiplier
		}

		builder := comm.FromComm(c)
		if err := builder.SetNumCells(uint32(numCells)); err != nil {
			return err
		}

		toPEs := make([]int, size)
		for r := 0; r < size; r++ {
			if rank*2 < 10+r {
				toPEs[r] = 1
			}
		}
		if err := builder.SetToPes(ctx, toPEs); err != nil {
			return err
		}

		token, err := builder.BuildGlobal(ctx, homeMapping, globalNeeded)
		if err != nil {
			return err
		}

		recvData, err := comm.GetAlloc(ctx, token, comm.OpCopy, myData)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, getWant, recvData, 1e-9, "rank %d get", rank)

		for i := range recvData {
			recvData[i] *= 2
		}

		if err := comm.Put(ctx, token, comm.OpCopy, recvData, myData); err != nil {
			return err
		}
		assert.InDeltaSlice(t, putWant, myData, 1e-9, "rank %d put", rank)
		return nil
	})
	require.NoError(t, err)
}

func TestTokenWraparoundColumn(t *testing.T) {
	for size := 1; size <= 4; size++ {
		runWraparoundColumn(t, size)
	}
}

// matrixSliceData builds the P x P matrix of the diagonal-slice scenario:
// my(i,j) = j*P + i + 1 + (rank+1)*0.1.
func matrixSliceData(size, rank int) view.Matrix[float64] {
	m := view.NewMatrix[float64](size, size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			m.Set(i, j, float64(j*size+i+1)+float64(rank+1)*0.1)
		}
	}
	return m
}

func matrixSliceToken(c comm.Comm, builder *comm.TokenBuilder) (*comm.Token, error) {
	size := c.Size()
	globalNeeded := make([]cell.OptionalGlobal, size)
	for i := 0; i < size; i++ {
		globalNeeded[i] = cell.SomeGlobal(cell.GlobalIndex(size*i + c.Rank()))
	}
	return builder.BuildGlobal(ctx, iota32(size), globalNeeded)
}

// runMatrixSlice exercises the diagonal-slice scenario with whatever options
// are already set on the builder: GetV the row owned here from every peer,
// scale, PutV it back.
func runMatrixSlice(t *testing.T, c comm.Comm, builder *comm.TokenBuilder) error {
	size := c.Size()
	rank := c.Rank()

	token, err := matrixSliceToken(c, builder)
	if err != nil {
		return err
	}

	myData := matrixSliceData(size, rank)

	getWant := view.NewMatrix[float64](size, size)
	putWant := view.NewMatrix[float64](size, size)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			getWant.Set(i, j, float64(j*size+rank+1)+float64(i+1)*0.1)
			putWant.Set(i, j, (float64(j*size+i+1)+float64(rank+1)*0.1)*float64(i+1))
		}
	}

	recvData, err := comm.GetVAlloc(ctx, token, comm.OpCopy, myData)
	if err != nil {
		return err
	}
	assertMatrixNear(t, getWant, recvData, 0.01)

	for i := 0; i < recvData.Rows(); i++ {
		for j := 0; j < recvData.Cols(); j++ {
			recvData.Set(i, j, recvData.At(i, j)*float64(rank+1))
		}
	}

	if err := comm.PutV(ctx, token, comm.OpCopy, recvData, myData); err != nil {
		return err
	}
	assertMatrixNear(t, putWant, myData, 0.01)
	return nil
}

func assertMatrixNear(t *testing.T, want, got view.Matrix[float64], delta float64) {
	t.Helper()
	require.Equal(t, want.Rows(), got.Rows())
	require.Equal(t, want.Cols(), got.Cols())
	for i := 0; i < want.Rows(); i++ {
		for j := 0; j < want.Cols(); j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), delta, "entry (%d,%d)", i, j)
		}
	}
}

func TestTokenMatrixSlice(t *testing.T) {
	for size := 1; size <= 4; size++ {
		err := local.Run(size, func(c comm.Comm) error {
			builder := comm.FromComm(c)
			if err := builder.SetNumCells(uint32(size)); err != nil {
				return err
			}
			return runMatrixSlice(t, c, builder)
		})
		require.NoError(t, err)
	}
}

// The boundary grid: every combination of receive-scratch cap, count
// exchange flavor, and completion order must agree on the matrix-slice
// scenario.
func TestTokenMatrixSliceBoundaryGrid(t *testing.T) {
	for size := 1; size <= 4; size++ {
		err := local.Run(size, func(c comm.Comm) error {
			builder := comm.FromComm(c)
			if err := builder.SetNumCells(uint32(size)); err != nil {
				return err
			}

			rma, err := comm.NewRmaAllToAll(c, 1)
			if err != nil {
				return err
			}
			defer rma.Close()

			maxRecvSizes := []uint32{
				0, // unset
				1,
				uint32(size * 2 * 8),
				uint32(size * (size - 1) * 8),
				1000000,
			}

			for _, maxSize := range maxRecvSizes {
				if maxSize == 0 {
					builder.ClearMaxGsReceiveSize()
				} else {
					builder.SetMaxGsReceiveSize(maxSize)
				}

				for _, useRma := range []bool{true, false} {
					if useRma {
						if err := builder.UseRmaAllToAll(rma); err != nil {
							return err
						}
					} else {
						builder.DisableRmaAllToAll()
					}

					for _, rankOrder := range []bool{true, false} {
						builder.RequireRankOrderRequestCompletion(rankOrder)

						for _, useSomeToSome := range []bool{true, false} {
							if useSomeToSome {
								toPEs := make([]int, size)
								for i := range toPEs {
									toPEs[i] = 1
								}
								if err := builder.SetToPes(ctx, toPEs); err != nil {
									return err
								}
							} else {
								builder.ClearToAndFromPes()
							}

							if err := runMatrixSlice(t, c, builder); err != nil {
								return err
							}
						}
					}
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func TestTokenMatrixSliceTransposed(t *testing.T) {
	for size := 1; size <= 4; size++ {
		err := local.Run(size, func(c comm.Comm) error {
			rank := c.Rank()

			builder := comm.FromComm(c)
			if err := builder.SetNumCells(uint32(size)); err != nil {
				return err
			}
			token, err := matrixSliceToken(c, builder)
			if err != nil {
				return err
			}

			myData := matrixSliceData(size, rank)

			getWant := view.NewMatrix[float64](size, size)
			putWant := view.NewMatrix[float64](size, size)
			for i := 0; i < size; i++ {
				for j := 0; j < size; j++ {
					getWant.Set(i, j, float64(rank*size+i+1)+float64(j+1)*0.1)
					putWant.Set(i, j, (float64(j*size+i+1)+float64(rank+1)*0.1)*float64(j+1))
				}
			}

			recvData := view.NewMatrix[float64](size, size)
			if err := comm.GetVInv(ctx, token, comm.OpCopy, myData, recvData); err != nil {
				return err
			}
			assertMatrixNear(t, getWant, recvData, 0.01)

			// Scale per column: column j came from peer j's request.
			for i := 0; i < size; i++ {
				for j := 0; j < size; j++ {
					recvData.Set(i, j, recvData.At(i, j)*float64(rank+1))
				}
			}

			if err := comm.PutVInv(ctx, token, comm.OpCopy, recvData, myData); err != nil {
				return err
			}
			assertMatrixNear(t, putWant, myData, 0.01)
			return nil
		})
		require.NoError(t, err)
	}
}

// Get followed by Put under OpCopy restores every slot the token mentions.
func TestTokenGetPutDuality(t *testing.T) {
	const size = 4
	err := local.Run(size, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(8); err != nil {
			return err
		}

		// Mix of remote, self, and absent aways.
		globals := []cell.OptionalGlobal{
			cell.SomeGlobal(cell.GlobalIndex((c.Rank()+1)%size*8 + 3)),
			cell.SomeGlobal(cell.GlobalIndex(c.Rank()*8 + 5)),
			cell.NoGlobal(),
			cell.SomeGlobal(cell.GlobalIndex((c.Rank()+2)%size*8 + 1)),
		}
		token, err := builder.BuildGlobal(ctx, iota32(len(globals)), globals)
		if err != nil {
			return err
		}

		input := make([]float64, 8)
		for i := range input {
			input[i] = float64(c.Rank()*100 + i)
		}

		gathered, err := comm.GetAlloc(ctx, token, comm.OpCopy, input)
		if err != nil {
			return err
		}

		restored := make([]float64, 8)
		if err := comm.Put(ctx, token, comm.OpCopy, gathered, restored); err != nil {
			return err
		}

		// Slot 5 is mentioned via the self copy, slots 1 and 3 are served to
		// peers. Every mentioned slot must round-trip.
		for _, l := range []int{1, 3, 5} {
			assert.Equal(t, input[l], restored[l], "rank %d slot %d", c.Rank(), l)
		}
		return nil
	})
	require.NoError(t, err)
}

// Under OpCopy a Get touches exactly home, copy-to, and zero slots.
func TestTokenGetLocality(t *testing.T) {
	const size = 2
	err := local.Run(size, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(4); err != nil {
			return err
		}

		// Home slots 1 (remote), 3 (absent -> zeroed); slots 0 and 2 are
		// never mentioned.
		globals := []cell.OptionalGlobal{
			cell.SomeGlobal(cell.GlobalIndex((c.Rank()+1)%size*4 + 2)),
			cell.NoGlobal(),
		}
		token, err := builder.BuildGlobal(ctx, []cell.LocalIndex{1, 3}, globals)
		if err != nil {
			return err
		}

		input := []float64{10, 11, 12, 13}
		output := []float64{-1, -1, -1, -1}
		if err := comm.Get(ctx, token, comm.OpCopy, input, output); err != nil {
			return err
		}

		assert.Equal(t, -1.0, output[0])
		assert.Equal(t, 12.0, output[1])
		assert.Equal(t, -1.0, output[2])
		assert.Equal(t, 0.0, output[3])
		return nil
	})
	require.NoError(t, err)
}

// Integer OpAdd results are identical under both completion orders.
func TestTokenAddDeterministicForIntegers(t *testing.T) {
	const size = 4
	for _, rankOrder := range []bool{false, true} {
		err := local.Run(size, func(c comm.Comm) error {
			builder := comm.FromComm(c)
			if err := builder.SetNumCells(1); err != nil {
				return err
			}
			builder.RequireRankOrderRequestCompletion(rankOrder)

			// Every rank contributes its cell 0 into everyone's slot 0.
			globals := make([]cell.OptionalGlobal, size)
			home := make([]cell.LocalIndex, size)
			for r := 0; r < size; r++ {
				globals[r] = cell.SomeGlobal(cell.GlobalIndex(r))
			}
			token, err := builder.BuildGlobal(ctx, home, globals)
			if err != nil {
				return err
			}

			input := []int64{int64(c.Rank() + 1)}
			output := []int64{1000}
			if err := comm.Get(ctx, token, comm.OpAdd, input, output); err != nil {
				return err
			}

			// 1000 + 1 + 2 + 3 + 4, whatever the completion order.
			assert.Equal(t, int64(1010), output[0], "rank %d rankOrder=%v", c.Rank(), rankOrder)
			return nil
		})
		require.NoError(t, err)
	}
}

// OpMin and OpMax are independent of completion order and batching.
func TestTokenMinMaxIdempotent(t *testing.T) {
	const size = 4
	for _, maxRecv := range []uint32{0, 1, 1000000} {
		for _, rankOrder := range []bool{false, true} {
			err := local.Run(size, func(c comm.Comm) error {
				builder := comm.FromComm(c)
				if err := builder.SetNumCells(1); err != nil {
					return err
				}
				builder.RequireRankOrderRequestCompletion(rankOrder)
				if maxRecv != 0 {
					builder.SetMaxGsReceiveSize(maxRecv)
				}

				globals := make([]cell.OptionalGlobal, size)
				home := make([]cell.LocalIndex, size)
				for r := 0; r < size; r++ {
					globals[r] = cell.SomeGlobal(cell.GlobalIndex(r))
				}
				token, err := builder.BuildGlobal(ctx, home, globals)
				if err != nil {
					return err
				}

				input := []int32{int32(c.Rank() + 1)}

				low := []int32{100}
				if err := comm.Get(ctx, token, comm.OpMin, input, low); err != nil {
					return err
				}
				assert.Equal(t, int32(1), low[0])

				high := []int32{-100}
				if err := comm.Get(ctx, token, comm.OpMax, input, high); err != nil {
					return err
				}
				assert.Equal(t, int32(size), high[0])
				return nil
			})
			require.NoError(t, err)
		}
	}
}

func TestTokenBufferSizeChecks(t *testing.T) {
	err := local.Run(2, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(4); err != nil {
			return err
		}

		globals := []cell.OptionalGlobal{
			cell.SomeGlobal(cell.GlobalIndex((c.Rank()+1)%2*4 + 3)),
		}
		token, err := builder.BuildGlobal(ctx, []cell.LocalIndex{7}, globals)
		if err != nil {
			return err
		}

		assert.Equal(t, 8, token.MinGatherSize())
		assert.Equal(t, 4, token.MinScatterSize())

		short := make([]float64, 2)
		good := make([]float64, 8)
		assert.Error(t, comm.Get(ctx, token, comm.OpCopy, short, good))

		// A well-sized call must still complete collectively.
		input := make([]float64, 4)
		return comm.Get(ctx, token, comm.OpCopy, input, good)
	})
	require.NoError(t, err)
}

func TestTokenBuildRejectsMismatchedLengths(t *testing.T) {
	err := local.Run(1, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(4); err != nil {
			return err
		}
		_, err := builder.BuildGlobal(ctx, iota32(2), []cell.OptionalGlobal{cell.SomeGlobal(0)})
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestTokenFillHomeArrays(t *testing.T) {
	const size = 3
	err := local.Run(size, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(2); err != nil {
			return err
		}

		// One away cell on each other rank.
		var globals []cell.OptionalGlobal
		for r := 0; r < size; r++ {
			if r == c.Rank() {
				continue
			}
			globals = append(globals, cell.SomeGlobal(cell.GlobalIndex(r*2)))
		}
		token, err := builder.BuildGlobal(ctx, iota32(len(globals)), globals)
		if err != nil {
			return err
		}

		require.Equal(t, 2, token.HomeNum())
		require.Equal(t, 2, token.HomeSize())

		ranks := make([]int, token.HomeNum())
		begins := make([]cell.LocalIndex, token.HomeNum())
		lengths := make([]cell.LocalIndex, token.HomeNum())
		indices := make([]cell.LocalIndex, token.HomeSize())
		require.NoError(t, token.FillHomeArrays(ranks, begins, lengths, indices))

		for i := range ranks {
			assert.NotEqual(t, c.Rank(), ranks[i])
			assert.Equal(t, cell.LocalIndex(1), lengths[i])
		}
		assert.Equal(t, cell.LocalIndex(0), begins[0])
		assert.Equal(t, cell.LocalIndex(1), begins[1])
		return nil
	})
	require.NoError(t, err)
}

func TestBuilderCloneIsIndependent(t *testing.T) {
	err := local.Run(2, func(c comm.Comm) error {
		builder := comm.FromComm(c)
		if err := builder.SetNumCells(4); err != nil {
			return err
		}

		clone := builder.Clone()
		clone.SetMaxGsReceiveSize(16)
		clone.RequireRankOrderRequestCompletion(true)

		// Both must still build working tokens.
		globals := []cell.OptionalGlobal{
			cell.SomeGlobal(cell.GlobalIndex((c.Rank()+1)%2*4 + 1)),
		}
		for _, b := range []*comm.TokenBuilder{builder, clone} {
			token, err := b.BuildGlobal(ctx, iota32(1), globals)
			if err != nil {
				return err
			}
			input := []float64{0, float64(10 + c.Rank()), 0, 0}
			got, err := comm.GetAlloc(ctx, token, comm.OpCopy, input)
			if err != nil {
				return err
			}
			assert.Equal(t, float64(10+(c.Rank()+1)%2), got[0])
		}
		return nil
	})
	require.NoError(t, err)
}
