// Package sample draws Monte Carlo samples from the Gaussians the
// conditionals produce.
package sample

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-windage/internal/linalg"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// ErrBadStructure is returned for a covariance structure selector the
// sampler does not know.
var ErrBadStructure = errors.New("sample: unknown covariance structure")

// DefaultJitter is added to the diagonal of each full-covariance block
// before factorization to keep near-singular blocks factorable.
const DefaultJitter = 1e-6

// Structure selects how the covariance tensor is laid out.
type Structure int

const (
	// StructureDiag: cov holds per-element variances, [N, D].
	StructureDiag Structure = iota
	// StructureFull: cov holds one D x D covariance block per row, [N, D, D].
	StructureFull
)

func (s Structure) String() string {
	switch s {
	case StructureDiag:
		return "diag"
	case StructureFull:
		return "full"
	default:
		return fmt.Sprintf("structure(%d)", int(s))
	}
}

// MVN draws one sample matrix [N, D] from N multivariate normals with the
// given means and covariances, using DefaultJitter for the full case.
func MVN(mean, cov *tensor.Dense, structure Structure, src rand.Source) (*tensor.Dense, error) {
	return MVNWithJitter(mean, cov, structure, src, DefaultJitter)
}

// MVNWithJitter is MVN with an explicit jitter magnitude.
func MVNWithJitter(mean, cov *tensor.Dense, structure Structure, src rand.Source, jitter float64) (*tensor.Dense, error) {
	n, d := mean.Dim(0), mean.Dim(1)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	eps := make([]float64, n*d)
	for i := range eps {
		eps[i] = norm.Rand()
	}

	out := tensor.New(n, d)
	switch structure {
	case StructureDiag:
		for i, m := range mean.Data() {
			out.Data()[i] = m + math.Sqrt(cov.Data()[i])*eps[i]
		}
		return out, nil
	case StructureFull:
		block := mat.NewDense(d, d, nil)
		noise := mat.NewVecDense(d, nil)
		var scaled mat.VecDense
		for i := 0; i < n; i++ {
			block.Copy(cov.MatrixAt(i))
			for j := 0; j < d; j++ {
				block.Set(j, j, block.At(j, j)+jitter)
			}
			chol, err := linalg.CholLower(d, block.RawMatrix().Data)
			if err != nil {
				return nil, fmt.Errorf("sample: covariance block %d: %w", i, err)
			}
			copy(noise.RawVector().Data, eps[i*d:(i+1)*d])
			scaled.MulVec(chol, noise)
			row := out.RowAt(i)
			copy(row, mean.RowAt(i))
			for j := 0; j < d; j++ {
				row[j] += scaled.AtVec(j)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrBadStructure, structure)
	}
}
