package conditional

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/linalg"
	"github.com/23skdu/longbow-windage/internal/simd"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// IndependentInterdomain conditions on inducing variables that live in a
// separate domain per latent process: L latent processes with M inducing
// points each, mapped onto P outputs at N query points.
//
//	Kmn: [M, L, N, P]
//	Kmm: [L, M, M]
//	Knn: [N, P] | [P, N, N] | [N, P, P] | [N, P, N, P] matching the flags
//	f:   [M, L]
//
// The variational factor is diagonal [M, L] or lower-triangular per latent
// process [L, M, M]. Returns mean [N, P] and variance shaped like Knn.
func IndependentInterdomain(kmn, kmm, knn, f *tensor.Dense, q Factor, opts Options) (*tensor.Dense, *tensor.Dense, error) {
	log.Debug().Msg("independent interdomain conditional")

	m, l, n, p := kmn.Dim(0), kmn.Dim(1), kmn.Dim(2), kmn.Dim(3)

	// One Cholesky per latent process.
	lms := make([]*mat.TriDense, l)
	for i := 0; i < l; i++ {
		lm, err := linalg.CholLower(m, kmm.Data()[i*m*m:(i+1)*m*m])
		if err != nil {
			return nil, nil, err
		}
		lms[i] = lm
	}

	// Merge the (N, P) query axes so each latent process needs a single
	// triangular solve: A = Lm^-1 Kmn, [L, M, N*P].
	a := kmn.Permute(1, 0, 2, 3).Reshape(l, m, n*p)
	for i := 0; i < l; i++ {
		linalg.SolveTriInPlace(lms[i], false, a.MatrixAt(i))
	}

	fvar := interdomainBaseVar(a, knn, l*m, n, p, opts)

	// Another backsubstitution in the unwhitened case.
	if !opts.White {
		for i := 0; i < l; i++ {
			linalg.SolveTriInPlace(lms[i], false, a.MatrixAt(i))
		}
	}

	// Mean contracts A with f over both the latent and inducing axes:
	// flatten A to [L*M, N*P] and f to the matching [L*M] vector.
	fvec := make([]float64, l*m)
	for i := 0; i < l; i++ {
		for j := 0; j < m; j++ {
			fvec[i*m+j] = f.At(j, i)
		}
	}
	fmean := tensor.New(n, p)
	simd.MatVecMul(fmean.Data(), a.Permute(2, 0, 1).Data(), fvec, n*p, l*m)

	if !q.None() {
		lta := interdomainLTA(a, q, l, m, n*p)
		addContractedVar(fvar, lta, l*m, n, p, opts)
	}
	return fmean, fvar, nil
}

// interdomainBaseVar computes Knn minus the conditioning term, choosing one
// of the four contraction patterns. a is [*, M', N*P] with M'*len = lm rows
// total once flattened; lm is the joint contraction length.
func interdomainBaseVar(a, knn *tensor.Dense, lm, n, p int, opts Options) *tensor.Dense {
	flat := a.Reshape(lm, n*p)
	fvar := knn.Clone()
	subContractedVar(fvar, flat, lm, n, p, opts)
	return fvar
}

// subContractedVar subtracts the Gram contributions of flat [lm, n*p] from
// fvar in the layout selected by the flags.
func subContractedVar(fvar, flat *tensor.Dense, lm, n, p int, opts Options) {
	addScaledContraction(fvar, flat, lm, n, p, opts, -1)
}

// addContractedVar adds the Gram contributions of flat [lm, n*p] to fvar.
func addContractedVar(fvar, flat *tensor.Dense, lm, n, p int, opts Options) {
	addScaledContraction(fvar, flat, lm, n, p, opts, 1)
}

func addScaledContraction(fvar, flat *tensor.Dense, lm, n, p int, opts Options, sign float64) {
	fm := flat.Matrix(lm, n*p)
	switch {
	case opts.FullCov && opts.FullOutputCov:
		// [N, P, N, P]: one full Gram over the joint contraction axis.
		var s mat.Dense
		s.Mul(fm.T(), fm)
		simd.VecAddScaled(fvar.Data(), s.RawMatrix().Data, sign)
	case opts.FullCov && !opts.FullOutputCov:
		// [P, N, N]: contract per output.
		at := flat.Reshape(lm, n, p).Permute(2, 1, 0) // [P, N, LM]
		var s mat.Dense
		for k := 0; k < p; k++ {
			ak := at.MatrixAt(k)
			s.Reset()
			s.Mul(ak, ak.T())
			simd.VecAddScaled(fvar.Data()[k*n*n:(k+1)*n*n], s.RawMatrix().Data, sign)
		}
	case !opts.FullCov && opts.FullOutputCov:
		// [N, P, P]: contract per query point.
		at := flat.Reshape(lm, n, p).Permute(1, 0, 2) // [N, LM, P]
		var s mat.Dense
		for j := 0; j < n; j++ {
			aj := at.MatrixAt(j)
			s.Reset()
			s.Mul(aj.T(), aj)
			simd.VecAddScaled(fvar.Data()[j*p*p:(j+1)*p*p], s.RawMatrix().Data, sign)
		}
	default:
		// [N, P]: elementwise sum of squares down the contraction axis.
		sq := make([]float64, n*p)
		simd.ColSumSquares(sq, flat.Data(), lm, n*p)
		simd.VecAddScaled(fvar.Data(), sq, sign)
	}
}

// interdomainLTA forms q^T A for the variational correction, [L, M, NP]
// flattened to [L*M, NP]. The triangular factor's upper part is masked off.
func interdomainLTA(a *tensor.Dense, q Factor, l, m, np int) *tensor.Dense {
	lta := tensor.New(l, m, np)
	switch q.kind {
	case factorTri:
		for i := 0; i < l; i++ {
			lf := mat.DenseCopyOf(q.t.MatrixAt(i))
			linalg.LowerMaskInPlace(lf)
			lta.MatrixAt(i).Mul(lf.T(), a.MatrixAt(i))
		}
	case factorDiag:
		// q is [M, L]: scale row m of latent process i by q[m, i].
		for i := 0; i < l; i++ {
			for j := 0; j < m; j++ {
				d := q.t.At(j, i)
				src := a.Data()[(i*m+j)*np : (i*m+j+1)*np]
				dst := lta.Data()[(i*m+j)*np : (i*m+j+1)*np]
				for k, v := range src {
					dst[k] = d * v
				}
			}
		}
	}
	return lta.Reshape(l*m, np)
}
