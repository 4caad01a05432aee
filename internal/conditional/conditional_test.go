package conditional

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/linalg"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

const tol = 1e-10

func approxEq(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func tensorsClose(t *testing.T, name string, got, want *tensor.Dense, tol float64) {
	t.Helper()
	gs, ws := got.Shape(), want.Shape()
	if len(gs) != len(ws) {
		t.Fatalf("%s: shape %v, want %v", name, gs, ws)
	}
	for i := range gs {
		if gs[i] != ws[i] {
			t.Fatalf("%s: shape %v, want %v", name, gs, ws)
		}
	}
	for i, v := range got.Data() {
		if !approxEq(v, want.Data()[i], tol) {
			t.Fatalf("%s: data[%d] = %g, want %g", name, i, v, want.Data()[i])
		}
	}
}

// Fixed, well-conditioned PSD matrix of size n (diagonally dominant).
func psdMatrix(n int) *tensor.Dense {
	out := tensor.New(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := 0.3 / (1 + math.Abs(float64(i-j)))
			if i == j {
				v = 2 + 0.1*float64(i)
			}
			out.Set(v, i, j)
		}
	}
	return out
}

func seqTensor(scale float64, shape ...int) *tensor.Dense {
	out := tensor.New(shape...)
	for i := range out.Data() {
		out.Data()[i] = scale * float64(i+1)
	}
	return out
}

func TestBaseConcreteScenario(t *testing.T) {
	// Kmm = I2 so Lm = I and A = Kmn; with white=true the mean is Kmn^T f
	// and the variance is diag(Knn) - colsum(Kmn^2).
	kmm := tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2)
	kmn := tensor.FromSlice([]float64{
		0.1, 0.2, 0.3,
		0.4, 0.5, 0.6,
	}, 2, 3)
	knn := tensor.FromSlice([]float64{1, 1, 1}, 3)
	f := tensor.FromSlice([]float64{1, 0}, 2, 1)

	mean, fvar, err := Base(kmn, kmm, knn, f, Factor{}, Options{White: true})
	if err != nil {
		t.Fatalf("Base: %v", err)
	}

	wantMean := tensor.FromSlice([]float64{0.1, 0.2, 0.3}, 3, 1)
	wantVar := tensor.FromSlice([]float64{
		1 - (0.01 + 0.16),
		1 - (0.04 + 0.25),
		1 - (0.09 + 0.36),
	}, 3, 1)
	tensorsClose(t, "mean", mean, wantMean, tol)
	tensorsClose(t, "var", fvar, wantVar, tol)
}

func TestBaseNoFactorEqualsZeroFactor(t *testing.T) {
	kmm := psdMatrix(3)
	kmn := seqTensor(0.05, 3, 4)
	knn := seqTensor(1, 4)
	f := seqTensor(0.5, 3, 2)

	mean0, var0, err := Base(kmn, kmm, knn, f, Factor{}, Options{White: true})
	if err != nil {
		t.Fatalf("Base: %v", err)
	}
	meanZ, varZ, err := Base(kmn, kmm, knn, f, DiagFactor(tensor.New(3, 2)), Options{White: true})
	if err != nil {
		t.Fatalf("Base with zero factor: %v", err)
	}
	tensorsClose(t, "mean", meanZ, mean0, tol)
	tensorsClose(t, "var", varZ, var0, tol)
}

func TestBaseWhiteningEquivalence(t *testing.T) {
	m, n, r := 3, 4, 2
	kmm := psdMatrix(m)
	kmn := seqTensor(0.05, m, n)
	f := seqTensor(0.5, m, r)
	qs := seqTensor(0.1, r, m, m)
	for i := 0; i < r; i++ {
		linalg.LowerMaskInPlace(qs.MatrixAt(i))
	}

	// Whitened inputs: f' = Lm^-1 f, q' = Lm^-1 q.
	lm, err := linalg.CholLower(m, kmm.Data())
	if err != nil {
		t.Fatalf("CholLower: %v", err)
	}
	fw := f.Clone()
	linalg.SolveTriInPlace(lm, false, fw.MatrixAt(0))
	qw := qs.Clone()
	for i := 0; i < r; i++ {
		linalg.SolveTriInPlace(lm, false, qw.MatrixAt(i))
	}

	for _, fullCov := range []bool{false, true} {
		var knn *tensor.Dense
		if fullCov {
			knn = psdMatrix(n)
		} else {
			knn = seqTensor(1, n)
		}

		meanU, varU, err := Base(kmn, kmm, knn, f, TriFactor(qs), Options{FullCov: fullCov})
		if err != nil {
			t.Fatalf("unwhitened Base: %v", err)
		}
		meanW, varW, err := Base(kmn, kmm, knn, fw, TriFactor(qw), Options{FullCov: fullCov, White: true})
		if err != nil {
			t.Fatalf("whitened Base: %v", err)
		}
		tensorsClose(t, "mean", meanW, meanU, 1e-9)
		tensorsClose(t, "var", varW, varU, 1e-9)
	}
}

func TestBaseFullCovSymmetricPSD(t *testing.T) {
	m, n, r := 3, 4, 2
	kmm := psdMatrix(m)
	kmn := seqTensor(0.05, m, n)
	knn := psdMatrix(n)
	f := seqTensor(0.5, m, r)
	qs := seqTensor(0.1, r, m, m)

	_, fvar, err := Base(kmn, kmm, knn, f, TriFactor(qs), Options{FullCov: true})
	if err != nil {
		t.Fatalf("Base: %v", err)
	}

	for rr := 0; rr < r; rr++ {
		block := fvar.Data()[rr*n*n : (rr+1)*n*n]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if !approxEq(block[i*n+j], block[j*n+i], 1e-9) {
					t.Fatalf("replica %d: cov[%d,%d]=%g != cov[%d,%d]=%g", rr, i, j, block[i*n+j], j, i, block[j*n+i])
				}
			}
		}

		var es mat.EigenSym
		if !es.Factorize(mat.NewSymDense(n, block), false) {
			t.Fatalf("replica %d: eigendecomposition failed", rr)
		}
		for _, ev := range es.Values(nil) {
			if ev < -1e-9 {
				t.Fatalf("replica %d: negative eigenvalue %g", rr, ev)
			}
		}
	}
}

func TestBaseBatchedShapes(t *testing.T) {
	m, b, n, r := 3, 2, 4, 2
	kmm := psdMatrix(m)
	kmn := seqTensor(0.01, m, b, n) // leading batch dim between M and N
	f := seqTensor(0.5, m, r)

	mean, fvar, err := Base(kmn, kmm, seqTensor(1, b, n), f, Factor{}, Options{White: true})
	if err != nil {
		t.Fatalf("Base diag: %v", err)
	}
	wantShape(t, "batched mean", mean, b, n, r)
	wantShape(t, "batched diag var", fvar, b, n, r)

	mean, fvar, err = Base(kmn, kmm, psdBatch(b, n), f, Factor{}, Options{White: true, FullCov: true})
	if err != nil {
		t.Fatalf("Base full: %v", err)
	}
	wantShape(t, "batched mean", mean, b, n, r)
	wantShape(t, "batched full var", fvar, b, r, n, n)
}

func TestBaseBatchMatchesUnbatched(t *testing.T) {
	// Two identical batch slices must each reproduce the unbatched result.
	m, n, r := 3, 4, 1
	kmm := psdMatrix(m)
	flat := seqTensor(0.05, m, n)
	f := seqTensor(0.5, m, r)
	knn := seqTensor(1, n)

	kmnB := tensor.New(m, 2, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			kmnB.Set(flat.At(i, j), i, 0, j)
			kmnB.Set(flat.At(i, j), i, 1, j)
		}
	}
	knnB := tensor.New(2, n)
	copy(knnB.RowAt(0), knn.Data())
	copy(knnB.RowAt(1), knn.Data())

	mean, fvar, err := Base(flat, kmm, knn, f, Factor{}, Options{})
	if err != nil {
		t.Fatalf("unbatched: %v", err)
	}
	meanB, fvarB, err := Base(kmnB, kmm, knnB, f, Factor{}, Options{})
	if err != nil {
		t.Fatalf("batched: %v", err)
	}
	for s := 0; s < 2; s++ {
		slice := tensor.FromSlice(meanB.Data()[s*n*r:(s+1)*n*r], n, r)
		tensorsClose(t, "mean slice", slice, mean, tol)
		vslice := tensor.FromSlice(fvarB.Data()[s*n*r:(s+1)*n*r], n, r)
		tensorsClose(t, "var slice", vslice, fvar, tol)
	}
}

func TestFactorFromTensorRankRejection(t *testing.T) {
	if _, err := FactorFromTensor(tensor.New(4)); !errors.Is(err, ErrBadFactorRank) {
		t.Errorf("rank 1: err = %v, want ErrBadFactorRank", err)
	}
	if _, err := FactorFromTensor(tensor.New(2, 2, 2, 2)); !errors.Is(err, ErrBadFactorRank) {
		t.Errorf("rank 4: err = %v, want ErrBadFactorRank", err)
	}
	if q, err := FactorFromTensor(nil); err != nil || !q.None() {
		t.Errorf("nil tensor: q=%v err=%v, want empty factor", q, err)
	}
	if _, err := FactorFromTensor(tensor.New(3, 2)); err != nil {
		t.Errorf("rank 2: %v", err)
	}
	if _, err := FactorFromTensor(tensor.New(2, 3, 3)); err != nil {
		t.Errorf("rank 3: %v", err)
	}
}

func wantShape(t *testing.T, name string, x *tensor.Dense, shape ...int) {
	t.Helper()
	got := x.Shape()
	if len(got) != len(shape) {
		t.Fatalf("%s: shape %v, want %v", name, got, shape)
	}
	for i := range shape {
		if got[i] != shape[i] {
			t.Fatalf("%s: shape %v, want %v", name, got, shape)
		}
	}
}

func psdBatch(b, n int) *tensor.Dense {
	out := tensor.New(b, n, n)
	base := psdMatrix(n)
	for i := 0; i < b; i++ {
		copy(out.Data()[i*n*n:(i+1)*n*n], base.Data())
	}
	return out
}
