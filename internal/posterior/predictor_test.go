package posterior

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-windage/internal/cache"
	"github.com/23skdu/longbow-windage/internal/conditional"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

func sharedRequest() *Request {
	return &Request{
		Variant: VariantSharedLatent,
		Kmm:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Kmn: tensor.FromSlice([]float64{
			0.1, 0.2, 0.3,
			0.4, 0.5, 0.6,
		}, 2, 3),
		Knn:   tensor.FromSlice([]float64{1, 1, 1}, 3),
		F:     tensor.FromSlice([]float64{1, 0}, 2, 1),
		White: true,
	}
}

func TestPredictSharedLatent(t *testing.T) {
	p := New(nil, nil)
	res, err := p.Predict(context.Background(), sharedRequest())
	require.NoError(t, err)

	require.Equal(t, []int{3, 1}, res.Mean.Shape())
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, res.Mean.Data(), 1e-10)
	assert.InDeltaSlice(t, []float64{0.83, 0.71, 0.55}, res.Variance.Data(), 1e-10)
	assert.Nil(t, res.Sample)
}

func TestPredictUsesCache(t *testing.T) {
	c := cache.NewMapCache()
	p := New(c, nil)

	res1, err := p.Predict(context.Background(), sharedRequest())
	require.NoError(t, err)
	require.Equal(t, 1, c.Size())

	res2, err := p.Predict(context.Background(), sharedRequest())
	require.NoError(t, err)
	require.Equal(t, 1, c.Size())
	assert.Equal(t, res1.Mean.Data(), res2.Mean.Data())
	assert.Equal(t, res1.Variance.Data(), res2.Variance.Data())

	// A different flag quartet is a different cache entry.
	req := sharedRequest()
	req.FullCov = true
	req.Knn = tensor.FromSlice([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, 3, 3)
	_, err = p.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Size())
}

func TestPredictFullOutputCovExpansion(t *testing.T) {
	req := sharedRequest()
	req.F = tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2) // R=2 outputs
	req.FullOutputCov = true

	p := New(nil, nil)
	res, err := p.Predict(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2, 2}, res.Variance.Shape())
	// Off-diagonal output entries are zero: outputs are independent.
	assert.Zero(t, res.Variance.At(0, 0, 1))
	assert.Zero(t, res.Variance.At(0, 1, 0))
}

func TestPredictSampleZeroVariance(t *testing.T) {
	req := &Request{
		Variant: VariantSharedLatent,
		Kmm:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Kmn:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Knn:     tensor.FromSlice([]float64{1, 1}, 2),
		F:       tensor.FromSlice([]float64{0.5, -0.5}, 2, 1),
		White:   true,
		Sample:  true,
	}
	p := New(nil, nil)
	res, err := p.Predict(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Sample)
	// Variance is exactly zero here, so the draw collapses onto the mean.
	assert.Equal(t, res.Mean.Data(), res.Sample.Data())
}

func TestPredictBadFactorRank(t *testing.T) {
	req := sharedRequest()
	req.QSqrt = tensor.New(2, 1, 2, 2)

	p := New(nil, nil)
	_, err := p.Predict(context.Background(), req)
	require.ErrorIs(t, err, conditional.ErrBadFactorRank)
}

func TestPredictCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, nil).Predict(ctx, sharedRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseVariant(t *testing.T) {
	for name, want := range map[string]Variant{
		"shared":      VariantSharedLatent,
		"interdomain": VariantIndependentInterdomain,
		"correlated":  VariantFullyCorrelated,
	} {
		got, err := ParseVariant(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	_, err := ParseVariant("bogus")
	require.Error(t, err)
}
