package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-windage/internal/cache"
	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/sample"
	"github.com/23skdu/longbow-windage/internal/tensor"
	"github.com/23skdu/longbow-windage/internal/wire"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent predictions")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	cacheResults  = flag.Bool("cache", true, "Cache posterior results by request content")
	seed          = flag.Uint64("seed", 0, "Sampler seed (0 uses the current time)")
	jitter        = flag.Float64("jitter", sample.DefaultJitter, "Diagonal jitter for full-covariance sampling")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}
	var store cache.PosteriorCache
	if *cacheResults {
		store = cache.NewMapCache()
	}
	predictor := posterior.New(store, rand.NewPCG(s, s^0x9e3779b97f4a7c15))
	predictor.SetJitter(*jitter)

	if *listenAddr != "" {
		go startServer(*listenAddr, predictor, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, predictor)
		return
	}

	if *listenAddr != "" {
		select {}
	}

	// No server flags: run a small demonstration posterior and write the
	// result record to stdout as an Arrow IPC stream.
	demo(predictor)
}

func demo(predictor *posterior.Predictor) {
	req := &posterior.Request{
		Variant: posterior.VariantSharedLatent,
		Kmn: tensor.FromSlice([]float64{
			0.9, 0.5, 0.1,
			0.1, 0.5, 0.9,
		}, 2, 3),
		Kmm: tensor.FromSlice([]float64{
			1.0, 0.2,
			0.2, 1.0,
		}, 2, 2),
		Knn:    tensor.FromSlice([]float64{1, 1, 1}, 3),
		F:      tensor.FromSlice([]float64{0.7, -0.3}, 2, 1),
		White:  false,
		Sample: true,
	}

	start := time.Now()
	res, err := predictor.Predict(context.Background(), req)
	if err != nil {
		log.Fatal().Err(err).Msg("Prediction failed")
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Ints("mean_shape", res.Mean.Shape()).
		Ints("var_shape", res.Variance.Shape()).
		Msg("Computed posterior")

	rec, err := wire.EncodeResult(memory.NewGoAllocator(), res)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	defer rec.Release()

	writer := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Fatal().Err(err).Msg("Failed to write arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Fatal().Err(err).Msg("Failed to close arrow stream")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("windage"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
