package conditional

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-windage/internal/tensor"
)

var (
	// ErrUnsupported marks structural combinations that are deliberately not
	// implemented. Callers get a loud failure instead of plausible wrong numbers.
	ErrUnsupported = errors.New("conditional: unsupported")

	// ErrBadFactorRank is returned when a variational factor tensor has a rank
	// other than 2 (diagonal) or 3 (lower-triangular).
	ErrBadFactorRank = errors.New("conditional: bad variational factor rank")
)

// Options selects the covariance structure of a conditional's output.
type Options struct {
	// FullCov requests covariance across query points (N x N blocks) instead
	// of per-point variances.
	FullCov bool
	// FullOutputCov requests covariance across output dimensions (P x P
	// blocks). Only the multi-output conditionals honor it.
	FullOutputCov bool
	// White marks the inducing values as whitened: their prior covariance is
	// the identity, so the second backsubstitution against Lm^T is skipped.
	White bool
}

type factorKind int

const (
	factorNone factorKind = iota
	factorDiag
	factorTri
)

// Factor is the square root of the variational covariance over inducing
// values: either a per-replica diagonal scaling or a per-replica
// lower-triangular matrix. The zero Factor means no variational term.
type Factor struct {
	kind factorKind
	t    *tensor.Dense
}

// DiagFactor wraps a rank-2 [M, R] diagonal scaling.
func DiagFactor(d *tensor.Dense) Factor {
	if d.Rank() != 2 {
		panic(fmt.Sprintf("conditional: diagonal factor must have rank 2, got %d", d.Rank()))
	}
	return Factor{kind: factorDiag, t: d}
}

// TriFactor wraps a rank-3 [R, M, M] stack of lower-triangular matrices.
// Only the lower triangle is meaningful; routines that enforce triangularity
// mask the upper part before use.
func TriFactor(l *tensor.Dense) Factor {
	if l.Rank() != 3 {
		panic(fmt.Sprintf("conditional: triangular factor must have rank 3, got %d", l.Rank()))
	}
	return Factor{kind: factorTri, t: l}
}

// FactorFromTensor dispatches on tensor rank the way callers hand factors
// over the wire: rank 2 is diagonal, rank 3 is lower-triangular, anything
// else is a contract violation.
func FactorFromTensor(t *tensor.Dense) (Factor, error) {
	if t == nil {
		return Factor{}, nil
	}
	switch t.Rank() {
	case 2:
		return DiagFactor(t), nil
	case 3:
		return TriFactor(t), nil
	default:
		return Factor{}, fmt.Errorf("%w: %d", ErrBadFactorRank, t.Rank())
	}
}

// None reports whether no variational factor was supplied.
func (f Factor) None() bool { return f.kind == factorNone }
