// Package posterior dispatches prediction requests to the matching
// conditional variant and layers caching, sampling, and metrics on top of
// the pure numeric core.
package posterior

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-windage/internal/cache"
	"github.com/23skdu/longbow-windage/internal/conditional"
	"github.com/23skdu/longbow-windage/internal/sample"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// Variant selects which conditional geometry a request uses.
type Variant int

const (
	// VariantSharedLatent: single-output / shared-latent core conditional.
	VariantSharedLatent Variant = iota
	// VariantIndependentInterdomain: L latent processes, P outputs,
	// independent across outputs.
	VariantIndependentInterdomain
	// VariantFullyCorrelated: one joint Gaussian over all L*M inducing
	// values, optionally repeated across replicas.
	VariantFullyCorrelated
)

func (v Variant) String() string {
	switch v {
	case VariantSharedLatent:
		return "shared"
	case VariantIndependentInterdomain:
		return "interdomain"
	case VariantFullyCorrelated:
		return "correlated"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps the wire name of a variant to its value.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "shared":
		return VariantSharedLatent, nil
	case "interdomain":
		return VariantIndependentInterdomain, nil
	case "correlated":
		return VariantFullyCorrelated, nil
	default:
		return 0, fmt.Errorf("posterior: unknown variant %q", s)
	}
}

// Request carries the covariance tensors and structure flags for one
// posterior computation. Tensor shape contracts are those of the selected
// conditional variant.
type Request struct {
	Variant Variant

	Kmn *tensor.Dense
	Kmm *tensor.Dense
	Knn *tensor.Dense
	F   *tensor.Dense
	// QSqrt is the optional variational covariance square root: rank 2 for
	// a diagonal factor, rank 3 for a lower-triangular one.
	QSqrt *tensor.Dense

	FullCov       bool
	FullOutputCov bool
	White         bool

	// Sample requests one MVN draw from the resulting posterior. Only
	// shapes the sampler understands are accepted: a variance matching the
	// mean elementwise, or one full covariance block per query point.
	Sample bool
}

// Result is the posterior at the query points, plus an optional draw.
type Result struct {
	Mean     *tensor.Dense
	Variance *tensor.Dense
	Sample   *tensor.Dense
}

// Predictor computes posteriors, caching mean/variance pairs by request
// content hash when a cache is configured.
type Predictor struct {
	cache  cache.PosteriorCache
	src    rand.Source
	jitter float64
}

// New builds a Predictor. Both arguments may be nil: no cache, and sampling
// noise from the shared global source.
func New(c cache.PosteriorCache, src rand.Source) *Predictor {
	return &Predictor{cache: c, src: src, jitter: sample.DefaultJitter}
}

// SetJitter overrides the diagonal jitter used when sampling from full
// covariance blocks.
func (p *Predictor) SetJitter(j float64) {
	p.jitter = j
}

// Predict runs the conditional selected by the request.
func (p *Predictor) Predict(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		computeDuration.Observe(time.Since(start).Seconds())
	}()
	conditionalsTotal.WithLabelValues(req.Variant.String()).Inc()

	key := req.hash()
	if p.cache != nil {
		if mean, variance, ok := p.cache.Get(key); ok {
			cacheHits.Inc()
			return p.finish(req, mean, variance)
		}
		cacheMisses.Inc()
	}

	q, err := conditional.FactorFromTensor(req.QSqrt)
	if err != nil {
		conditionalErrors.WithLabelValues(req.Variant.String()).Inc()
		return nil, err
	}
	opts := conditional.Options{
		FullCov:       req.FullCov,
		FullOutputCov: req.FullOutputCov,
		White:         req.White,
	}

	var mean, variance *tensor.Dense
	switch req.Variant {
	case VariantSharedLatent:
		// The core conditional treats replicas as independent; a full
		// output covariance is an expansion of that diagonal structure.
		mean, variance, err = conditional.Base(req.Kmn, req.Kmm, req.Knn, req.F, q, conditional.Options{
			FullCov: req.FullCov,
			White:   req.White,
		})
		if err == nil && req.FullOutputCov {
			variance = conditional.ExpandIndependentOutputs(variance, req.FullCov, true)
		}
	case VariantIndependentInterdomain:
		mean, variance, err = conditional.IndependentInterdomain(req.Kmn, req.Kmm, req.Knn, req.F, q, opts)
	case VariantFullyCorrelated:
		if req.F.Dim(1) > 1 {
			mean, variance, err = conditional.FullyCorrelatedRepeat(req.Kmn, req.Kmm, req.Knn, req.F, q, opts)
		} else {
			mean, variance, err = conditional.FullyCorrelated(req.Kmn, req.Kmm, req.Knn, req.F, q, opts)
		}
	default:
		err = fmt.Errorf("posterior: unknown variant %v", req.Variant)
	}
	if err != nil {
		conditionalErrors.WithLabelValues(req.Variant.String()).Inc()
		return nil, err
	}

	if p.cache != nil {
		p.cache.Put(key, mean, variance)
	}
	log.Debug().Str("variant", req.Variant.String()).Dur("took", time.Since(start)).Msg("posterior computed")
	return p.finish(req, mean, variance)
}

// finish optionally draws a sample from an already-computed posterior.
func (p *Predictor) finish(req *Request, mean, variance *tensor.Dense) (*Result, error) {
	res := &Result{Mean: mean, Variance: variance}
	if !req.Sample {
		return res, nil
	}
	if mean.Rank() != 2 {
		return nil, fmt.Errorf("posterior: cannot sample from mean of rank %d", mean.Rank())
	}
	n, d := mean.Dim(0), mean.Dim(1)
	var structure sample.Structure
	switch {
	case variance.Rank() == 2 && variance.Dim(0) == n && variance.Dim(1) == d:
		structure = sample.StructureDiag
	case variance.Rank() == 3 && variance.Dim(0) == n && variance.Dim(1) == d && variance.Dim(2) == d:
		structure = sample.StructureFull
	default:
		return nil, fmt.Errorf("posterior: cannot sample from variance of shape %v", variance.Shape())
	}
	s, err := sample.MVNWithJitter(mean, variance, structure, p.src, p.jitter)
	if err != nil {
		return nil, err
	}
	res.Sample = s
	return res, nil
}

// hash fingerprints everything that determines the mean/variance pair. The
// Sample flag is deliberately excluded: it does not change the cached part.
func (r *Request) hash() uint64 {
	h := xxhash.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	flags := uint64(r.Variant) << 3
	if r.FullCov {
		flags |= 1
	}
	if r.FullOutputCov {
		flags |= 2
	}
	if r.White {
		flags |= 4
	}
	writeU64(flags)

	for _, t := range []*tensor.Dense{r.Kmn, r.Kmm, r.Knn, r.F, r.QSqrt} {
		if t == nil {
			writeU64(math.MaxUint64)
			continue
		}
		writeU64(uint64(t.Rank()))
		for _, d := range t.Shape() {
			writeU64(uint64(d))
		}
		for _, v := range t.Data() {
			writeU64(math.Float64bits(v))
		}
	}
	return h.Sum64()
}
