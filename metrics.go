package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proximity",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	rankDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proximity",
			Subsystem: "matches",
			Name:      "rank_duration_seconds",
			Help:      "Time spent ranking one candidate pool.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	poolSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proximity",
			Subsystem: "matches",
			Name:      "pool_size",
			Help:      "Number of candidates loaded before ranking.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 200, 500},
		},
	)

	rankedResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proximity",
			Subsystem: "matches",
			Name:      "ranked_results",
			Help:      "Number of candidates left after filtering.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 200, 500},
		},
	)

	groupsProposed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proximity",
			Subsystem: "group_matches",
			Name:      "proposed_total",
			Help:      "Groups proposed by generation runs.",
		},
		[]string{"mode", "dry_run"},
	)
)

func init() {
	metricsRegistry.MustRegister(
		httpRequests,
		httpDuration,
		rankDuration,
		poolSize,
		rankedResults,
		groupsProposed,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

func observeRanking(pool, results int, took time.Duration) {
	poolSize.Observe(float64(pool))
	rankedResults.Observe(float64(results))
	rankDuration.Observe(took.Seconds())
}

func observeGroupGeneration(mode string, dryRun bool, proposed int) {
	groupsProposed.WithLabelValues(mode, strconv.FormatBool(dryRun)).Add(float64(proposed))
}

// instrument records request counts and latency per chi route pattern,
// so /users/{userID} is one series rather than one per id.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
