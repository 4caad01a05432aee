package conditional

import (
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// ExpandIndependentOutputs re-lays a variance computed under independent
// outputs into the shape the flags request, embedding diagonal P x P blocks
// where full output covariance is asked for. It cannot synthesize genuine
// output correlations; the off-diagonal blocks it writes are zero.
//
// Input fvar is [P, N, N] when fullCov, else [N, P]. Output:
//
//	fullCov && fullOutputCov:   [N, P, N, P]
//	fullCov && !fullOutputCov:  [P, N, N] (unchanged)
//	!fullCov && fullOutputCov:  [N, P, P]
//	!fullCov && !fullOutputCov: [N, P] (unchanged)
func ExpandIndependentOutputs(fvar *tensor.Dense, fullCov, fullOutputCov bool) *tensor.Dense {
	switch {
	case fullCov && fullOutputCov:
		p, n := fvar.Dim(0), fvar.Dim(1)
		out := tensor.New(n, p, n, p)
		for pp := 0; pp < p; pp++ {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					out.Set(fvar.At(pp, i, j), i, pp, j, pp)
				}
			}
		}
		return out
	case !fullCov && fullOutputCov:
		n, p := fvar.Dim(0), fvar.Dim(1)
		out := tensor.New(n, p, p)
		for i := 0; i < n; i++ {
			for pp := 0; pp < p; pp++ {
				out.Set(fvar.At(i, pp), i, pp, pp)
			}
		}
		return out
	default:
		return fvar
	}
}
