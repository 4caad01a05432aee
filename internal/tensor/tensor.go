package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dense is a dense, row-major float64 tensor with an explicit shape.
// The shape carries any leading batch dimensions; the conditional routines
// flatten those into a single batch loop and view the trailing two axes as
// gonum matrices. Data is always contiguous.
type Dense struct {
	shape []int
	data  []float64
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Dense {
	return &Dense{
		shape: append([]int(nil), shape...),
		data:  make([]float64, size(shape)),
	}
}

// FromSlice wraps data (not copied) in a tensor with the given shape.
func FromSlice(data []float64, shape ...int) *Dense {
	if len(data) != size(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Dense{
		shape: append([]int(nil), shape...),
		data:  data,
	}
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns the tensor's dimensions. The caller must not modify it.
func (t *Dense) Shape() []int { return t.shape }

// Rank returns the number of dimensions.
func (t *Dense) Rank() int { return len(t.shape) }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Dense) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Size returns the total number of elements.
func (t *Dense) Size() int { return len(t.data) }

// Data returns the backing slice.
func (t *Dense) Data() []float64 { return t.data }

// At returns the element at the given multi-index.
func (t *Dense) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// Set stores v at the given multi-index.
func (t *Dense) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Dense) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(idx), t.shape))
	}
	off := 0
	for i, x := range idx {
		off = off*t.shape[i] + x
	}
	return off
}

// Clone returns a deep copy.
func (t *Dense) Clone() *Dense {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return FromSlice(data, t.shape...)
}

// Reshape returns a view with a new shape sharing the same backing data.
// The total size must be unchanged.
func (t *Dense) Reshape(shape ...int) *Dense {
	if size(shape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Dense{
		shape: append([]int(nil), shape...),
		data:  t.data,
	}
}

// Permute returns a new contiguous tensor with axes reordered so that output
// axis i is input axis perm[i]. Unlike Reshape this copies.
func (t *Dense) Permute(perm ...int) *Dense {
	if len(perm) != len(t.shape) {
		panic(fmt.Sprintf("tensor: permutation %v does not match rank %d", perm, len(t.shape)))
	}
	outShape := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = t.shape[p]
	}
	out := New(outShape...)

	// Strides of the source in its own axis order.
	srcStrides := make([]int, len(t.shape))
	s := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		srcStrides[i] = s
		s *= t.shape[i]
	}

	idx := make([]int, len(outShape))
	for o := range out.data {
		src := 0
		for i := range idx {
			src += idx[i] * srcStrides[perm[i]]
		}
		out.data[o] = t.data[src]

		// advance the output multi-index, last axis fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// Batches returns the product of all dimensions before the trailing n axes.
// A rank-n tensor has a single batch.
func (t *Dense) Batches(n int) int {
	if len(t.shape) < n {
		panic(fmt.Sprintf("tensor: rank %d has no trailing %d axes", len(t.shape), n))
	}
	return size(t.shape[:len(t.shape)-n])
}

// Matrix views the whole tensor as a rows x cols gonum matrix over the
// backing data (no copy). The product of the dims must equal the size.
func (t *Dense) Matrix(rows, cols int) *mat.Dense {
	if rows*cols != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot view %v as %dx%d matrix", t.shape, rows, cols))
	}
	return mat.NewDense(rows, cols, t.data)
}

// MatrixAt views batch b of the tensor as a matrix over the trailing two
// axes. Writes through the view are visible in the tensor.
func (t *Dense) MatrixAt(b int) *mat.Dense {
	r := t.Dim(-2)
	c := t.Dim(-1)
	off := b * r * c
	return mat.NewDense(r, c, t.data[off:off+r*c])
}

// RowAt views batch b of a tensor whose trailing axis is a vector of length n.
func (t *Dense) RowAt(b int) []float64 {
	n := t.Dim(-1)
	return t.data[b*n : (b+1)*n]
}
