// Package linalg holds the small dense complex linear algebra needed per
// resource element. Complex matrices are gonum CDense values. Inversion goes
// through the real-valued representation so gonum's real solvers do the
// work; gonum has no complex factorizations, so the Cholesky and QR
// factorizations used for whitening and tree search are implemented here.
package linalg

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Mul returns a*b.
func Mul(a, b mat.CMatrix) *mat.CDense {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		panic(mat.ErrShape)
	}
	out := mat.NewCDense(ar, bc, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j < bc; j++ {
			var acc complex128
			for k := 0; k < ac; k++ {
				acc += a.At(i, k) * b.At(k, j)
			}
			out.Set(i, j, acc)
		}
	}
	return out
}

// MulVec returns a*x.
func MulVec(a mat.CMatrix, x []complex128) []complex128 {
	r, c := a.Dims()
	if c != len(x) {
		panic(mat.ErrShape)
	}
	out := make([]complex128, r)
	for i := 0; i < r; i++ {
		var acc complex128
		for k := 0; k < c; k++ {
			acc += a.At(i, k) * x[k]
		}
		out[i] = acc
	}
	return out
}

// OuterSum returns a*aᴴ, the second moment of the columns of a.
func OuterSum(a mat.CMatrix) *mat.CDense {
	return Mul(a, a.H())
}

// RealRep returns the real-valued representation
//
//	[ Re(a) -Im(a) ]
//	[ Im(a)  Re(a) ]
//
// which satisfies RealRep(a)·RealVec(x) = RealVec(a·x).
func RealRep(a mat.CMatrix) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(2*r, 2*c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			out.Set(i, j, real(v))
			out.Set(i, j+c, -imag(v))
			out.Set(i+r, j, imag(v))
			out.Set(i+r, j+c, real(v))
		}
	}
	return out
}

// RealVec stacks the real parts of v on top of its imaginary parts.
func RealVec(v []complex128) []float64 {
	out := make([]float64, 2*len(v))
	for i, x := range v {
		out[i] = real(x)
		out[i+len(v)] = imag(x)
	}
	return out
}

// FromRealRep inverts RealRep, reading the left block column of m.
func FromRealRep(m mat.Matrix) *mat.CDense {
	r2, c2 := m.Dims()
	r, c := r2/2, c2/2
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, complex(m.At(i, j), m.At(i+r, j)))
		}
	}
	return out
}

// Inverse returns a⁻¹ for a square complex matrix. An ill-conditioned but
// invertible matrix is accepted; an exactly singular one yields ErrSingular.
func Inverse(a mat.CMatrix) (*mat.CDense, error) {
	r, c := a.Dims()
	if r != c {
		panic(mat.ErrSquare)
	}
	var inv mat.Dense
	if err := inv.Inverse(RealRep(a)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, errs.Singularf("invert %d×%d matrix: %v", r, c, err)
		}
	}
	return FromRealRep(&inv), nil
}

// Cholesky returns the lower triangular L with a = L·Lᴴ for a Hermitian
// positive definite a.
func Cholesky(a mat.CMatrix) (*mat.CDense, error) {
	n, c := a.Dims()
	if n != c {
		panic(mat.ErrSquare)
	}
	l := mat.NewCDense(n, n, nil)
	for j := 0; j < n; j++ {
		d := real(a.At(j, j))
		for k := 0; k < j; k++ {
			v := l.At(j, k)
			d -= real(v)*real(v) + imag(v)*imag(v)
		}
		if !(d > 0) {
			return nil, errs.Singularf("cholesky: pivot %d is %g", j, d)
		}
		ljj := math.Sqrt(d)
		l.Set(j, j, complex(ljj, 0))
		for i := j + 1; i < n; i++ {
			v := a.At(i, j)
			for k := 0; k < j; k++ {
				v -= l.At(i, k) * cmplx.Conj(l.At(j, k))
			}
			l.Set(i, j, v/complex(ljj, 0))
		}
	}
	return l, nil
}

// SolveLower solves l·x = b by forward substitution for every column of b.
func SolveLower(l, b mat.CMatrix) *mat.CDense {
	n, _ := l.Dims()
	br, bc := b.Dims()
	if br != n {
		panic(mat.ErrShape)
	}
	x := mat.NewCDense(n, bc, nil)
	for col := 0; col < bc; col++ {
		for i := 0; i < n; i++ {
			v := b.At(i, col)
			for k := 0; k < i; k++ {
				v -= l.At(i, k) * x.At(k, col)
			}
			x.Set(i, col, v/l.At(i, i))
		}
	}
	return x
}

// Whiten transforms (y, h) with the Cholesky factor L of s so that the
// noise-plus-interference in the returned model has identity covariance:
// y ← L⁻¹y, h ← L⁻¹h.
func Whiten(y []complex128, h, s mat.CMatrix) ([]complex128, *mat.CDense, error) {
	l, err := Cholesky(s)
	if err != nil {
		return nil, nil, err
	}
	yw := SolveLower(l, mat.NewCDense(len(y), 1, append([]complex128(nil), y...)))
	hw := SolveLower(l, h)
	out := make([]complex128, len(y))
	for i := range out {
		out[i] = yw.At(i, 0)
	}
	return out, hw, nil
}

// QR returns the thin factorization a = q·r of an m×n matrix with m >= n,
// computed with modified Gram-Schmidt. q has orthonormal columns and r is
// upper triangular with a non-negative real diagonal.
func QR(a mat.CMatrix) (q, r *mat.CDense) {
	m, n := a.Dims()
	if m < n {
		panic(mat.ErrShape)
	}
	q = mat.NewCDense(m, n, nil)
	r = mat.NewCDense(n, n, nil)
	v := make([]complex128, m)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			v[i] = a.At(i, j)
		}
		for k := 0; k < j; k++ {
			var dot complex128
			for i := 0; i < m; i++ {
				dot += cmplx.Conj(q.At(i, k)) * v[i]
			}
			r.Set(k, j, dot)
			for i := 0; i < m; i++ {
				v[i] -= dot * q.At(i, k)
			}
		}
		var norm float64
		for _, x := range v {
			norm += real(x)*real(x) + imag(x)*imag(x)
		}
		norm = math.Sqrt(norm)
		r.Set(j, j, complex(norm, 0))
		if norm == 0 {
			continue
		}
		for i := 0; i < m; i++ {
			q.Set(i, j, v[i]/complex(norm, 0))
		}
	}
	return q, r
}

// Diag returns the real parts of the diagonal of a square matrix.
func Diag(a mat.CMatrix) []float64 {
	n, _ := a.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = real(a.At(i, i))
	}
	return out
}

// QuadForm returns xᴴ·a·x, real for Hermitian a.
func QuadForm(a mat.CMatrix, x []complex128) float64 {
	ax := MulVec(a, x)
	var acc complex128
	for i, v := range x {
		acc += cmplx.Conj(v) * ax[i]
	}
	return real(acc)
}

// IsHermitian reports whether a equals its conjugate transpose within tol.
func IsHermitian(a mat.CMatrix, tol float64) bool {
	r, c := a.Dims()
	if r != c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			if cmplx.Abs(a.At(i, j)-cmplx.Conj(a.At(j, i))) > tol {
				return false
			}
		}
	}
	return true
}
