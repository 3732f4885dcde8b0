package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatrixRowMajorLayout(t *testing.T) {
	m := NewMatrix[float64](2, 3)
	m.Set(0, 0, 1)
	m.Set(0, 2, 3)
	m.Set(1, 1, 5)

	assert.Equal(t, []float64{1, 0, 3, 0, 5, 0}, m.Data())
	assert.Equal(t, 3.0, m.At(0, 2))
	assert.True(t, m.IsContiguous())
}

func TestWrapVector(t *testing.T) {
	v := WrapVector([]int32{7, 8, 9})

	assert.Equal(t, 3, v.Rows())
	assert.Equal(t, 1, v.Cols())
	assert.Equal(t, int32(8), v.At(1, 0))

	v.Set(2, 0, -1)
	assert.Equal(t, int32(-1), v.At(2, 0))
}

func TestTransposeSharesData(t *testing.T) {
	m := WrapMatrix([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	tr := m.Transpose()

	assert.Equal(t, 3, tr.Rows())
	assert.Equal(t, 2, tr.Cols())
	assert.Equal(t, int32(2), tr.At(1, 0))
	assert.False(t, tr.IsContiguous())

	tr.Set(0, 1, 40)
	assert.Equal(t, int32(40), m.At(1, 0))
}

func TestRowSlice(t *testing.T) {
	m := WrapMatrix([]int32{1, 2, 3, 4, 5, 6}, 2, 3)

	assert.Equal(t, []int32{4, 5, 6}, m.Row(1))
	assert.Nil(t, m.Transpose().Row(0))
}
