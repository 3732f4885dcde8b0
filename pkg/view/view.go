// Package view provides host-side strided array views for the exchange kernels.
//
// A Matrix is a rank-2 view over a flat backing slice with independent row and
// column strides. Transposing swaps extents and strides without touching the
// data, which is how the column-wise exchange forms reuse the row-wise code.
package view

// Matrix is a rank-2 strided view over a backing slice.
type Matrix[T any] struct {
	data      []T
	rows      int
	cols      int
	rowStride int
	colStride int
}

// NewMatrix allocates a rows x cols row-major matrix.
func NewMatrix[T any](rows, cols int) Matrix[T] {
	return Matrix[T]{
		data:      make([]T, rows*cols),
		rows:      rows,
		cols:      cols,
		rowStride: cols,
		colStride: 1,
	}
}

// WrapMatrix views an existing row-major slice as a rows x cols matrix.
// The slice must hold at least rows*cols elements.
func WrapMatrix[T any](data []T, rows, cols int) Matrix[T] {
	return Matrix[T]{
		data:      data,
		rows:      rows,
		cols:      cols,
		rowStride: cols,
		colStride: 1,
	}
}

// WrapVector views a slice as an n x 1 matrix, the shape the rank-1 exchange
// forms use.
func WrapVector[T any](data []T) Matrix[T] {
	return Matrix[T]{
		data:      data,
		rows:      len(data),
		cols:      1,
		rowStride: 1,
		colStride: 1,
	}
}

// Rows returns extent 0.
func (m Matrix[T]) Rows() int { return m.rows }

// Cols returns extent 1.
func (m Matrix[T]) Cols() int { return m.cols }

// At returns the element at row i, column j.
func (m Matrix[T]) At(i, j int) T {
	return m.data[i*m.rowStride+j*m.colStride]
}

// Set stores v at row i, column j.
func (m Matrix[T]) Set(i, j int, v T) {
	m.data[i*m.rowStride+j*m.colStride] = v
}

// Row returns the contiguous slice backing row i, or nil when rows are not
// contiguous in memory.
func (m Matrix[T]) Row(i int) []T {
	if m.colStride != 1 {
		return nil
	}
	base := i * m.rowStride
	return m.data[base : base+m.cols]
}

// Transpose returns a view with rows and columns exchanged. No data moves.
func (m Matrix[T]) Transpose() Matrix[T] {
	return Matrix[T]{
		data:      m.data,
		rows:      m.cols,
		cols:      m.rows,
		rowStride: m.colStride,
		colStride: m.rowStride,
	}
}

// IsContiguous reports whether the view covers its backing data densely in
// row-major order.
func (m Matrix[T]) IsContiguous() bool {
	return m.colStride == 1 && m.rowStride == m.cols
}

// Data returns the backing slice.
func (m Matrix[T]) Data() []T { return m.data }
