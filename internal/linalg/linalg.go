package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// CholLower computes the lower Cholesky factor of the n x n symmetric
// positive-definite matrix stored row-major in a. A failed factorization
// (non-PSD or near-singular input) is surfaced as an error; no jitter or
// retry happens here.
func CholLower(n int, a []float64) (*mat.TriDense, error) {
	if len(a) != n*n {
		return nil, fmt.Errorf("linalg: matrix data length %d does not match size %d", len(a), n)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(n, a)); !ok {
		return nil, fmt.Errorf("linalg: cholesky factorization failed for %dx%d matrix", n, n)
	}
	l := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(l)
	return l, nil
}

// SolveTriInPlace overwrites b with L^-1 b (trans=false) or L^-T b
// (trans=true) by triangular backsubstitution. The factor is never
// inverted explicitly.
func SolveTriInPlace(l *mat.TriDense, trans bool, b *mat.Dense) {
	t := blas.NoTrans
	if trans {
		t = blas.Trans
	}
	blas64.Trsm(blas.Left, t, 1, l.RawTriangular(), b.RawMatrix())
}

// LowerMaskInPlace zeroes the strictly upper triangle of the square matrix m,
// keeping the diagonal. Used to enforce lower-triangular factor semantics.
func LowerMaskInPlace(m *mat.Dense) {
	n, c := m.Dims()
	if n != c {
		panic(fmt.Sprintf("linalg: lower mask of non-square %dx%d matrix", n, c))
	}
	raw := m.RawMatrix()
	for i := 0; i < n; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		for j := i + 1; j < n; j++ {
			row[j] = 0
		}
	}
}
