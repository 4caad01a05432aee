package client

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-windage/internal/cache"
	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/tensor"
	"github.com/23skdu/longbow-windage/internal/wire"
)

// predictServer runs real posterior computations over DoExchange, mirroring
// the production Flight handler.
type predictServer struct {
	flight.BaseFlightServer
	predictor *posterior.Predictor
}

func (s *predictServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		req, err := wire.DecodeRequest(reader.Record())
		if err != nil {
			return err
		}
		res, err := s.predictor.Predict(stream.Context(), req)
		if err != nil {
			return err
		}
		out, err := wire.EncodeResult(memory.DefaultAllocator, res)
		if err != nil {
			return err
		}
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
		err = writer.Write(out)
		out.Release()
		if err != nil {
			writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return reader.Err()
}

func startPredictServer(t *testing.T) string {
	t.Helper()

	svc := &predictServer{
		predictor: posterior.New(cache.NewMapCache(), rand.NewPCG(1, 2)),
	}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	require.NoError(t, server.Init("localhost:0"))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { server.Shutdown() })
	return server.Addr().String()
}

func TestClientPredict(t *testing.T) {
	addr := startPredictServer(t)

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()

	req := &posterior.Request{
		Variant: posterior.VariantSharedLatent,
		Kmn:     tensor.FromSlice([]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 2, 3),
		Kmm:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Knn:     tensor.FromSlice([]float64{1, 1, 1}, 3),
		F:       tensor.FromSlice([]float64{0.5, -0.5}, 2, 1),
		White:   true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Predict(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Mean)
	require.NotNil(t, res.Variance)
	assert.Equal(t, []int{3, 1}, res.Mean.Shape())
	assert.Equal(t, []int{3, 1}, res.Variance.Shape())
	assert.InDelta(t, 0.1*0.5-0.4*0.5, res.Mean.At(0, 0), 1e-12)
	assert.Equal(t, StateClosed, c.Breaker().State())
}

func TestClientPredictServerError(t *testing.T) {
	addr := startPredictServer(t)

	c, err := New(addr)
	require.NoError(t, err)
	defer c.Close()

	// Rank-4 q_sqrt is rejected server-side.
	req := &posterior.Request{
		Variant: posterior.VariantSharedLatent,
		Kmn:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Kmm:     tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2),
		Knn:     tensor.FromSlice([]float64{1, 1}, 2),
		F:       tensor.FromSlice([]float64{0, 0}, 2, 1),
		QSqrt:   tensor.New(1, 1, 2, 2),
		White:   true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.Predict(ctx, req)
	assert.Error(t, err)
}

func TestClientCircuitOpen(t *testing.T) {
	c, err := New("localhost:1") // nothing listening
	require.NoError(t, err)
	defer c.Close()

	c.breaker = NewCircuitBreaker(1, time.Minute)

	req := &posterior.Request{
		Variant: posterior.VariantSharedLatent,
		Kmn:     tensor.FromSlice([]float64{1}, 1, 1),
		Kmm:     tensor.FromSlice([]float64{1}, 1, 1),
		Knn:     tensor.FromSlice([]float64{1}, 1),
		F:       tensor.FromSlice([]float64{0}, 1, 1),
		White:   true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Predict(ctx, req)
	require.Error(t, err)

	_, err = c.Predict(ctx, req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
