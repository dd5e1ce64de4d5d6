package tensor

import (
	"math"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Shape represents the dimensions of a tensor. A zero-length dimension is
// valid and describes an empty tensor.
type Shape []int

// NumElements returns the total number of elements described by the shape.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Strides calculates row-major strides for the shape.
// stride[i] is the product of all dimensions after i.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// validate rejects negative dimensions and shapes whose element count does
// not fit in an int.
func (s Shape) validate() error {
	n := 1
	for i, dim := range s {
		if dim < 0 {
			return errs.Shapef("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim > 0 && n > math.MaxInt/dim {
			return errs.Shapef("dimension at index %d: %d overflows the element count of shape %v", i, dim, s)
		}
		n *= dim
	}
	return nil
}

// BroadcastShapes combines two shapes with NumPy-style broadcasting rules.
//
// Rules:
//  1. Compare shapes element-wise from right to left
//  2. Dimensions are compatible if they are equal or one of them is 1
//  3. Missing dimensions are treated as 1
//
// Examples:
//
//	(3, 1) + (3, 5) -> (3, 5)
//	(5)    + (3, 5) -> (3, 5)
//	(3, 4) + (3, 5) -> error
func BroadcastShapes(a, b Shape) (Shape, error) {
	maxLen := max(len(a), len(b))
	result := make(Shape, maxLen)

	for i := 0; i < maxLen; i++ {
		aDim, bDim := 1, 1
		if aIdx := len(a) - 1 - i; aIdx >= 0 {
			aDim = a[aIdx]
		}
		if bIdx := len(b) - 1 - i; bIdx >= 0 {
			bDim = b[bIdx]
		}

		switch {
		case aDim == bDim:
			result[maxLen-1-i] = aDim
		case aDim == 1:
			result[maxLen-1-i] = bDim
		case bDim == 1:
			result[maxLen-1-i] = aDim
		default:
			return nil, errs.Shapef("shapes %v and %v are not broadcastable (dimension %d: %d vs %d)",
				a, b, maxLen-1-i, aDim, bDim)
		}
	}
	return result, nil
}

// walk visits every multi-index of shape in row-major order. visit receives
// the row-major position and the offset derived from strides, which may
// contain zeros for broadcast dimensions.
func walk(shape Shape, strides []int, visit func(pos, off int)) {
	n := shape.NumElements()
	if n == 0 {
		return
	}
	idx := make([]int, len(shape))
	off := 0
	for pos := 0; pos < n; pos++ {
		visit(pos, off)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= strides[d] * shape[d]
			idx[d] = 0
		}
	}
}
