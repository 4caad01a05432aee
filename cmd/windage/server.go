package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/wire"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windage_http_requests_total",
		Help: "The total number of HTTP prediction requests",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "windage_http_request_duration_seconds",
		Help:    "Time spent serving prediction requests",
		Buckets: prometheus.DefBuckets,
	})
)

type Server struct {
	predictor *posterior.Predictor
	alloc     memory.Allocator
	sem       *semaphore.Weighted
}

func NewServer(predictor *posterior.Predictor, maxConcurrent int) *Server {
	return &Server{
		predictor: predictor,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, predictor *posterior.Predictor, maxConcurrent int) {
	srv := NewServer(predictor, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/v1/predict", srv.handlePredict)
	http.HandleFunc("/v1/predict/arrow", srv.handlePredictArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Int("max_concurrent", maxConcurrent).Msg("Starting Windage Server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("windage-server")

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		httpRequests.WithLabelValues("predict", "rejected").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env wire.Envelope
	if err := cbor.NewDecoder(r.Body).Decode(&env); err != nil {
		span.RecordError(err)
		httpRequests.WithLabelValues("predict", "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	req, err := env.ToRequest()
	if err != nil {
		span.RecordError(err)
		httpRequests.WithLabelValues("predict", "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("variant", req.Variant.String()),
		attribute.Bool("full_cov", req.FullCov),
	)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		httpRequests.WithLabelValues("predict", "busy").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	res, err := s.predictor.Predict(ctx, req)
	s.sem.Release(1)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("variant", req.Variant.String()).Msg("Prediction failed")
		httpRequests.WithLabelValues("predict", "error").Inc()
		http.Error(w, fmt.Sprintf("Prediction failed: %v", err), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(wire.ResultToEnvelope(res)); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		return
	}
	httpRequests.WithLabelValues("predict", "ok").Inc()
}

func (s *Server) handlePredictArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredictArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		httpRequests.WithLabelValues("predict_arrow", "rejected").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		httpRequests.WithLabelValues("predict_arrow", "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	processed := 0

	for reader.Next() {
		req, err := wire.DecodeRequest(reader.Record())
		if err != nil {
			span.RecordError(err)
			httpRequests.WithLabelValues("predict_arrow", "bad_request").Inc()
			http.Error(w, fmt.Sprintf("Bad record: %v", err), http.StatusBadRequest)
			return
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			break
		}
		res, err := s.predictor.Predict(ctx, req)
		s.sem.Release(1)
		if err != nil {
			span.RecordError(err)
			httpRequests.WithLabelValues("predict_arrow", "error").Inc()
			http.Error(w, fmt.Sprintf("Prediction failed: %v", err), http.StatusUnprocessableEntity)
			return
		}

		out, err := wire.EncodeResult(s.alloc, res)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode result record")
			http.Error(w, "Encode error", http.StatusInternalServerError)
			return
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write result record")
			return
		}
		processed++
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		httpRequests.WithLabelValues("predict_arrow", "error").Inc()
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close result stream")
			return
		}
	}
	span.SetAttributes(attribute.Int("batch_count", processed))
	httpRequests.WithLabelValues("predict_arrow", "ok").Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
