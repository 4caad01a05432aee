// Package conditional computes the posterior distribution of a Gaussian
// process at query points given a Gaussian (exact or variational) posterior
// over function values at inducing points. All routines are pure functions
// over dense tensors; stability comes from Cholesky factorization plus
// triangular backsubstitution, never explicit inverses.
package conditional

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/linalg"
	"github.com/23skdu/longbow-windage/internal/simd"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// Base conditions a joint Gaussian prior over (query, inducing) values on a
// Gaussian posterior q(u) = N(f, q q^T) at the inducing points, for R
// independent output replicas sharing one latent structure.
//
//	Kmn: [M, batch..., N]   cross-covariance inducing <-> query
//	Kmm: [M, M]             inducing covariance
//	Knn: [batch..., N, N] with FullCov, else [batch..., N] (batch optional)
//	f:   [M, R]             inducing function values
//
// Returns mean [batch..., N, R] and variance [batch..., R, N, N] with
// FullCov, else [batch..., N, R]. Leading batch dims of Kmn broadcast across
// every intermediate; Knn's batch prefix may be absent, in which case it is
// shared by all batches.
func Base(kmn, kmm, knn, f *tensor.Dense, q Factor, opts Options) (*tensor.Dense, *tensor.Dense, error) {
	log.Debug().Msg("base conditional")

	rank := kmn.Rank()
	if rank > 2 {
		// Move the leading dims sitting between the M and N axes to the
		// front; the triangular solves below operate on the last two axes.
		perm := make([]int, 0, rank)
		for i := 1; i < rank-1; i++ {
			perm = append(perm, i)
		}
		perm = append(perm, 0, rank-1)
		kmn = kmn.Permute(perm...)
	}

	m := kmm.Dim(0)
	n := kmn.Dim(-1)
	r := f.Dim(1)
	batch := kmn.Shape()[:rank-2]
	nb := kmn.Batches(2)

	lm, err := linalg.CholLower(m, kmm.Data())
	if err != nil {
		return nil, nil, err
	}

	// A = Lm^-1 Kmn per batch, in place.
	a := kmn.Clone()
	for b := 0; b < nb; b++ {
		linalg.SolveTriInPlace(lm, false, a.MatrixAt(b))
	}

	// Covariance due to the conditioning, replicated across the R axis so
	// the variational term below can differ per replica.
	var fvar *tensor.Dense
	if opts.FullCov {
		fvar = tensor.New(nb, r, n, n)
		knnBatches := knn.Batches(2)
		var s mat.Dense
		for b := 0; b < nb; b++ {
			kb := b
			if knnBatches == 1 {
				kb = 0
			}
			ab := a.MatrixAt(b)
			s.Reset()
			s.Mul(ab.T(), ab)

			base := mat.NewDense(n, n, nil)
			base.Sub(knn.MatrixAt(kb), &s)
			for rr := 0; rr < r; rr++ {
				copy(fvar.Data()[(b*r+rr)*n*n:(b*r+rr+1)*n*n], base.RawMatrix().Data)
			}
		}
	} else {
		fvar = tensor.New(nb, r, n)
		knnBatches := knn.Batches(1)
		sq := make([]float64, n)
		for b := 0; b < nb; b++ {
			kb := b
			if knnBatches == 1 {
				kb = 0
			}
			for j := range sq {
				sq[j] = 0
			}
			simd.ColSumSquares(sq, a.MatrixAt(b).RawMatrix().Data, m, n)

			base := fvar.Data()[(b*r)*n : (b*r+1)*n]
			copy(base, knn.RowAt(kb))
			simd.VecSub(base, sq)
			for rr := 1; rr < r; rr++ {
				copy(fvar.Data()[(b*r+rr)*n:(b*r+rr+1)*n], base)
			}
		}
	}

	// Another backsubstitution in the unwhitened case: converts the
	// whitened-space projection into Kmm^-1 Kmn coordinates.
	if !opts.White {
		for b := 0; b < nb; b++ {
			linalg.SolveTriInPlace(lm, true, a.MatrixAt(b))
		}
	}

	// Conditional mean: A^T f per batch.
	fMat := f.MatrixAt(0)
	fmean := tensor.New(append(append([]int{}, batch...), n, r)...)
	for b := 0; b < nb; b++ {
		fmean.MatrixAt(b).Mul(a.MatrixAt(b).T(), fMat)
	}

	if !q.None() {
		if err := addBaseVariational(fvar, a, q, opts.FullCov, nb, m, n, r); err != nil {
			return nil, nil, err
		}
	}

	if opts.FullCov {
		return fmean, fvar.Reshape(append(append([]int{}, batch...), r, n, n)...), nil
	}

	// Transpose [.., R, N] to [.., N, R] for consistency with the mean.
	out := tensor.New(append(append([]int{}, batch...), n, r)...)
	for b := 0; b < nb; b++ {
		src := fvar.Data()[b*r*n : (b+1)*r*n]
		dst := out.Data()[b*n*r : (b+1)*n*r]
		for rr := 0; rr < r; rr++ {
			for j := 0; j < n; j++ {
				dst[j*r+rr] = src[rr*n+j]
			}
		}
	}
	return fmean, out, nil
}

// addBaseVariational folds q q^T through the projection A and adds the
// result to fvar, which is laid out [nb, r, n, n] (fullCov) or [nb, r, n].
func addBaseVariational(fvar, a *tensor.Dense, q Factor, fullCov bool, nb, m, n, r int) error {
	lta := mat.NewDense(m, n, nil)
	var s mat.Dense
	for b := 0; b < nb; b++ {
		ab := a.MatrixAt(b)
		for rr := 0; rr < r; rr++ {
			switch q.kind {
			case factorDiag:
				// Row m of A scaled by the per-replica diagonal entry.
				for i := 0; i < m; i++ {
					d := q.t.At(i, rr)
					row := ab.RawMatrix().Data[i*n : (i+1)*n]
					dst := lta.RawMatrix().Data[i*n : (i+1)*n]
					for j, v := range row {
						dst[j] = d * v
					}
				}
			case factorTri:
				lta.Mul(q.t.MatrixAt(rr).T(), ab)
			}

			if fullCov {
				s.Reset()
				s.Mul(lta.T(), lta)
				block := fvar.Data()[(b*r+rr)*n*n : (b*r+rr+1)*n*n]
				simd.VecAdd(block, s.RawMatrix().Data)
			} else {
				row := fvar.Data()[(b*r+rr)*n : (b*r+rr+1)*n]
				simd.ColSumSquares(row, lta.RawMatrix().Data, m, n)
			}
		}
	}
	return nil
}
