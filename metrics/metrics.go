package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdemuse_chat_turns_total",
		Help: "Chat turns by outcome (ok/error)",
	}, []string{"outcome"})

	turnLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "verdemuse_chat_turn_latency_ms",
		Help:    "End-to-end latency of a chat turn in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
	})

	responseCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdemuse_response_cache_total",
		Help: "Response cache lookups by result (hit/miss)",
	}, []string{"result"})

	retrievalLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verdemuse_retrieval_latency_ms",
		Help:    "Latency of document index queries in milliseconds",
		Buckets: []float64{10, 25, 50, 75, 100, 150, 200, 300, 500, 800, 1200, 5000},
	}, []string{"provider", "outcome"})

	retrievalResults = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verdemuse_retrieval_results",
		Help:    "Number of passages returned by the document index",
		Buckets: []float64{0, 1, 2, 3, 5, 10},
	}, []string{"provider"})

	completionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verdemuse_completion_latency_ms",
		Help:    "Latency of completion service calls in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
	}, []string{"model", "outcome"})

	storeFallback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdemuse_conversation_store_fallback_total",
		Help: "Conversation store operations served by the in-process fallback",
	}, []string{"op"})

	storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdemuse_conversation_store_errors_total",
		Help: "Conversation store operations that degraded to an empty result",
	}, []string{"op"})

	cleanups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verdemuse_conversation_cleanup_total",
		Help: "Expired-conversation cleanup passes by outcome (ok/error/skipped)",
	}, []string{"outcome"})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// ObserveTurn records a finished chat turn.
func ObserveTurn(start time.Time, err error) {
	ensureRegistered()
	turns.WithLabelValues(outcome(err)).Inc()
	turnLatency.Observe(float64(time.Since(start).Milliseconds()))
}

// IncResponseCache counts a response cache lookup.
func IncResponseCache(hit bool) {
	ensureRegistered()
	if hit {
		responseCache.WithLabelValues("hit").Inc()
		return
	}
	responseCache.WithLabelValues("miss").Inc()
}

// ObserveRetrieval records latency and result size for an index provider.
func ObserveRetrieval(provider string, start time.Time, results int, err error) {
	ensureRegistered()
	retrievalLatency.WithLabelValues(provider, outcome(err)).Observe(float64(time.Since(start).Milliseconds()))
	if err == nil {
		retrievalResults.WithLabelValues(provider).Observe(float64(results))
	}
}

// ObserveCompletion records a completion service call.
func ObserveCompletion(model string, start time.Time, err error) {
	ensureRegistered()
	completionLatency.WithLabelValues(model, outcome(err)).Observe(float64(time.Since(start).Milliseconds()))
}

// IncStoreFallback counts an operation routed to the fallback store.
func IncStoreFallback(op string) {
	ensureRegistered()
	storeFallback.WithLabelValues(op).Inc()
}

// IncStoreError counts an operation that degraded after a store error.
func IncStoreError(op string) {
	ensureRegistered()
	storeErrors.WithLabelValues(op).Inc()
}

// IncCleanup counts a cleanup pass.
func IncCleanup(result string) {
	ensureRegistered()
	cleanups.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}

// Collectors exposes all collectors for external registration with a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		turns, turnLatency, responseCache, retrievalLatency, retrievalResults,
		completionLatency, storeFallback, storeErrors, cleanups,
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
