package conditional

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/linalg"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// FullyCorrelated conditions on inducing variables that are jointly
// correlated across all (inducing point x latent dimension) pairs: the
// inducing values form one flat joint Gaussian of size L*M. It is the R=1
// case of FullyCorrelatedRepeat with the leading replica axis dropped.
//
//	Kmn: [LM, N, P]
//	Kmm: [LM, LM]
//	Knn: [N, P] | [P, N, N] | [N, P, P] | [N, P, N, P] matching the flags
//	f:   [LM, 1]
//
// Returns mean [N, P] and variance shaped like Knn.
func FullyCorrelated(kmn, kmm, knn, f *tensor.Dense, q Factor, opts Options) (*tensor.Dense, *tensor.Dense, error) {
	mean, fvar, err := FullyCorrelatedRepeat(kmn, kmm, knn, f, q, opts)
	if err != nil {
		return nil, nil, err
	}
	ms := mean.Shape()
	vs := fvar.Shape()
	return mean.Reshape(ms[1:]...), fvar.Reshape(vs[1:]...), nil
}

// FullyCorrelatedRepeat is FullyCorrelated batched over R independent
// replicas of the function values and variational factors: f is [LM, R],
// the factor is [R, LM, LM], and the mean/variance gain a leading R axis.
//
// Two paths are unimplemented and fail loudly: the unwhitened
// parameterization and a diagonal variational factor. Both return errors
// wrapping ErrUnsupported.
func FullyCorrelatedRepeat(kmn, kmm, knn, f *tensor.Dense, q Factor, opts Options) (*tensor.Dense, *tensor.Dense, error) {
	log.Debug().Msg("fully correlated conditional")

	if !opts.White {
		return nil, nil, fmt.Errorf("%w: fully correlated conditional requires the whitened parameterization", ErrUnsupported)
	}
	if q.kind == factorDiag {
		return nil, nil, fmt.Errorf("%w: fully correlated conditional does not support a diagonal variational factor", ErrUnsupported)
	}

	m, n, k := kmn.Dim(0), kmn.Dim(1), kmn.Dim(2)
	r := f.Dim(1)

	lm, err := linalg.CholLower(m, kmm.Data())
	if err != nil {
		return nil, nil, err
	}

	// One triangular solve against the flattened query axes: A = Lm^-1 Kmn,
	// [M, N*K].
	a := kmn.Clone().Reshape(m, n*k)
	linalg.SolveTriInPlace(lm, false, a.MatrixAt(0))

	base := knn.Clone()
	subContractedVar(base, a, m, n, k, opts)

	// Mean per replica: f_r^T A, stacked to [R, N, K].
	fmean := tensor.New(r, n, k)
	fmean.Matrix(r, n*k).Mul(f.MatrixAt(0).T(), a.MatrixAt(0))

	// The base variance is shared by every replica; the variational term
	// below is what differs per replica.
	fvar := tileLeading(base, r)

	if !q.None() {
		lta := mat.NewDense(m, n*k, nil)
		for rr := 0; rr < r; rr++ {
			// Only the lower triangle of the factor is used.
			lf := mat.DenseCopyOf(q.t.MatrixAt(rr))
			linalg.LowerMaskInPlace(lf)
			lta.Mul(lf.T(), a.MatrixAt(0))

			off := rr * base.Size()
			slice := tensor.FromSlice(fvar.Data()[off:off+base.Size()], base.Shape()...)
			addContractedVar(slice, tensor.FromSlice(lta.RawMatrix().Data, m, n*k), m, n, k, opts)
		}
	}
	return fmean, fvar, nil
}

// tileLeading stacks r copies of t along a new leading axis.
func tileLeading(t *tensor.Dense, r int) *tensor.Dense {
	out := tensor.New(append([]int{r}, t.Shape()...)...)
	for i := 0; i < r; i++ {
		copy(out.Data()[i*t.Size():(i+1)*t.Size()], t.Data())
	}
	return out
}
