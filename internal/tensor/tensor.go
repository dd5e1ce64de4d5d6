// Package tensor provides a small row-major tensor used to move observations,
// channel estimates and detector outputs between the OFDM and MIMO stages.
//
// Every operation checks shapes eagerly and reports mismatches as errors
// wrapping errs.ErrShape. Transpose, Gather and BroadcastTo materialize a new
// tensor; Reshape and the dimension helpers share the underlying data.
package tensor

import (
	"math"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Numeric is the set of element types a Tensor may hold.
type Numeric interface {
	~int | ~float64 | ~complex128
}

// Tensor is an n-dimensional array stored contiguously in row-major order.
type Tensor[T Numeric] struct {
	shape Shape
	data  []T
}

// New returns a zero-filled tensor. It panics on a negative dimension or an
// element count that overflows int.
func New[T Numeric](shape ...int) *Tensor[T] {
	s := Shape(shape).Clone()
	if err := s.validate(); err != nil {
		panic(err)
	}
	return &Tensor[T]{shape: s, data: make([]T, s.NumElements())}
}

// FromSlice wraps data in a tensor of the given shape without copying.
func FromSlice[T Numeric](data []T, shape ...int) (*Tensor[T], error) {
	s := Shape(shape).Clone()
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.NumElements() != len(data) {
		return nil, errs.Shapef("data length %d does not match shape %v (%d elements)",
			len(data), s, s.NumElements())
	}
	return &Tensor[T]{shape: s, data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full[T Numeric](v T, shape ...int) *Tensor[T] {
	t := New[T](shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor[T]) Shape() Shape { return t.shape.Clone() }

// Rank returns the number of dimensions.
func (t *Tensor[T]) Rank() int { return len(t.shape) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor[T]) Len() int { return len(t.data) }

// Data returns the underlying row-major storage.
func (t *Tensor[T]) Data() []T { return t.data }

func (t *Tensor[T]) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(errs.Shapef("index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(errs.Shapef("index %d out of range for dimension %d of size %d", v, i, t.shape[i]))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// At returns the element at the given multi-index.
func (t *Tensor[T]) At(idx ...int) T { return t.data[t.offset(idx)] }

// Set stores v at the given multi-index.
func (t *Tensor[T]) Set(v T, idx ...int) { t.data[t.offset(idx)] = v }

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.data))
	copy(data, t.data)
	return &Tensor[T]{shape: t.shape.Clone(), data: data}
}

// Reshape returns a view with a new shape. At most one dimension may be -1,
// in which case it is inferred.
func (t *Tensor[T]) Reshape(shape ...int) (*Tensor[T], error) {
	s := Shape(shape).Clone()
	infer := -1
	known := 1
	for i, d := range s {
		switch {
		case d == -1 && infer >= 0:
			return nil, errs.Shapef("reshape %v: more than one inferred dimension", s)
		case d == -1:
			infer = i
		case d < 0:
			return nil, errs.Shapef("reshape %v: invalid dimension %d at index %d", s, d, i)
		case d > 0 && known > math.MaxInt/d:
			return nil, errs.Shapef("reshape %v: dimension %d at index %d overflows the element count", s, d, i)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, errs.Shapef("cannot reshape %v into %v", t.shape, s)
		}
		s[infer] = len(t.data) / known
	}
	if s.NumElements() != len(t.data) {
		return nil, errs.Shapef("cannot reshape %v (%d elements) into %v", t.shape, len(t.data), s)
	}
	return &Tensor[T]{shape: s, data: t.data}, nil
}

// FlattenDims merges n consecutive dimensions starting at axis into one.
func (t *Tensor[T]) FlattenDims(axis, n int) (*Tensor[T], error) {
	if axis < 0 || n < 1 || axis+n > len(t.shape) {
		return nil, errs.Shapef("cannot flatten %d dimensions at axis %d of %v", n, axis, t.shape)
	}
	s := make(Shape, 0, len(t.shape)-n+1)
	s = append(s, t.shape[:axis]...)
	s = append(s, t.shape[axis:axis+n].NumElements())
	s = append(s, t.shape[axis+n:]...)
	return &Tensor[T]{shape: s, data: t.data}, nil
}

// SplitDim splits dimension axis into dims. One entry of dims may be -1.
func (t *Tensor[T]) SplitDim(axis int, dims ...int) (*Tensor[T], error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, errs.Shapef("split axis %d out of range for %v", axis, t.shape)
	}
	s := make([]int, 0, len(t.shape)+len(dims)-1)
	for i := 0; i < axis; i++ {
		s = append(s, t.shape[i])
	}
	s = append(s, dims...)
	for i := axis + 1; i < len(t.shape); i++ {
		s = append(s, t.shape[i])
	}
	out, err := t.Reshape(s...)
	if err != nil {
		return nil, err
	}
	if out.shape[axis:axis+len(dims)].NumElements() != t.shape[axis] {
		return nil, errs.Shapef("cannot split dimension %d of size %d into %v", axis, t.shape[axis], dims)
	}
	return out, nil
}

// Squeeze removes dimension axis, which must have size 1.
func (t *Tensor[T]) Squeeze(axis int) (*Tensor[T], error) {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) || t.shape[axis] != 1 {
		return nil, errs.Shapef("cannot squeeze axis %d of %v", axis, t.shape)
	}
	s := append(t.shape[:axis:axis], t.shape[axis+1:]...)
	return &Tensor[T]{shape: s, data: t.data}, nil
}

// ExpandToRank inserts singleton dimensions at axis until the tensor has the
// requested rank. axis -1 appends them after the last dimension.
func (t *Tensor[T]) ExpandToRank(rank, axis int) *Tensor[T] {
	if len(t.shape) >= rank {
		return t
	}
	if axis < 0 || axis > len(t.shape) {
		axis = len(t.shape)
	}
	add := rank - len(t.shape)
	s := make(Shape, 0, rank)
	s = append(s, t.shape[:axis]...)
	for i := 0; i < add; i++ {
		s = append(s, 1)
	}
	s = append(s, t.shape[axis:]...)
	return &Tensor[T]{shape: s, data: t.data}
}

// Transpose returns a copy with dimensions permuted so that output dimension
// i is input dimension perm[i].
func (t *Tensor[T]) Transpose(perm ...int) (*Tensor[T], error) {
	rank := len(t.shape)
	if len(perm) != rank {
		return nil, errs.Shapef("permutation %v has length %d, tensor rank is %d", perm, len(perm), rank)
	}
	seen := make([]bool, rank)
	inStrides := t.shape.Strides()
	outShape := make(Shape, rank)
	srcStrides := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, errs.Shapef("invalid permutation %v for rank %d", perm, rank)
		}
		seen[p] = true
		outShape[i] = t.shape[p]
		srcStrides[i] = inStrides[p]
	}

	out := New[T](outShape...)
	walk(outShape, srcStrides, func(pos, off int) {
		out.data[pos] = t.data[off]
	})
	return out, nil
}

// Gather selects the given indices along axis. Indices may repeat.
func (t *Tensor[T]) Gather(axis int, indices []int) (*Tensor[T], error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, errs.Shapef("gather axis %d out of range for %v", axis, t.shape)
	}
	n := t.shape[axis]
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errs.Shapef("gather index %d out of range for dimension %d of size %d", idx, axis, n)
		}
	}
	outer := t.shape[:axis].NumElements()
	inner := t.shape[axis+1:].NumElements()

	s := t.shape.Clone()
	s[axis] = len(indices)
	out := New[T](s...)
	for o := 0; o < outer; o++ {
		for j, idx := range indices {
			src := t.data[(o*n+idx)*inner : (o*n+idx+1)*inner]
			copy(out.data[(o*len(indices)+j)*inner:], src)
		}
	}
	return out, nil
}

// BroadcastTo expands the tensor to shape using right-aligned broadcasting:
// trailing dimensions are matched first, every source dimension must equal
// the target dimension or be 1, and missing leading dimensions are added.
// The result is a materialized copy.
func (t *Tensor[T]) BroadcastTo(shape Shape) (*Tensor[T], error) {
	if len(t.shape) > len(shape) {
		return nil, errs.Shapef("cannot broadcast %v to lower rank shape %v", t.shape, shape)
	}
	lead := len(shape) - len(t.shape)
	inStrides := t.shape.Strides()
	strides := make([]int, len(shape))
	for i := range shape {
		if i < lead {
			continue
		}
		d := t.shape[i-lead]
		switch {
		case d == shape[i]:
			strides[i] = inStrides[i-lead]
		case d == 1:
			strides[i] = 0
		default:
			return nil, errs.Shapef("cannot broadcast %v to %v: dimension %d is %d, want %d or 1",
				t.shape, shape, i, d, shape[i])
		}
	}

	out := New[T](shape...)
	walk(out.shape, strides, func(pos, off int) {
		out.data[pos] = t.data[off]
	})
	return out, nil
}

// SumTrailing sums over the last n dimensions.
func (t *Tensor[T]) SumTrailing(n int) (*Tensor[T], error) {
	if n < 0 || n > len(t.shape) {
		return nil, errs.Shapef("cannot sum %d trailing dimensions of %v", n, t.shape)
	}
	keep := t.shape[:len(t.shape)-n].Clone()
	group := t.shape[len(t.shape)-n:].NumElements()
	out := New[T](keep...)
	for i := range out.data {
		var acc T
		for _, v := range t.data[i*group : (i+1)*group] {
			acc += v
		}
		out.data[i] = acc
	}
	return out, nil
}
