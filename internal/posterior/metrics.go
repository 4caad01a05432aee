package posterior

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	conditionalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windage_conditionals_total",
		Help: "Total number of conditional computations, by structural variant",
	}, []string{"variant"})

	conditionalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windage_conditional_errors_total",
		Help: "Total number of failed conditional computations, by structural variant",
	}, []string{"variant"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windage_posterior_cache_hits_total",
		Help: "Total number of posterior cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windage_posterior_cache_misses_total",
		Help: "Total number of posterior cache misses",
	})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "windage_conditional_duration_seconds",
		Help:    "Time spent computing conditionals",
		Buckets: prometheus.DefBuckets,
	})
)
