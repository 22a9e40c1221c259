package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecommendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecom_rec_recommend_duration_seconds",
			Help:    "Recommendation request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"strategy"},
	)

	RecommendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_recommend_total",
			Help: "Total recommendation requests processed",
		},
		[]string{"strategy", "status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	TrendingFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_trending_fallbacks_total",
			Help: "Requests degraded to the trending strategy",
		},
		[]string{"from_strategy", "cause"},
	)

	ServedItems = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecom_rec_served_items",
			Help:    "Number of items returned per request",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"strategy"},
	)

	LogWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecom_rec_log_write_failures_total",
			Help: "Recommendation log writes that failed (best effort, never fatal)",
		},
	)

	UserVectorUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_user_vector_updates_total",
			Help: "User vector recomputations",
		},
		[]string{"status"},
	)

	EmbeddingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecom_rec_embedding_requests_total",
			Help: "Embedding model calls",
		},
		[]string{"kind", "status"},
	)
)

func Init() {
	prometheus.MustRegister(RecommendDuration)
	prometheus.MustRegister(RecommendTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(TrendingFallbacks)
	prometheus.MustRegister(ServedItems)
	prometheus.MustRegister(LogWriteFailures)
	prometheus.MustRegister(UserVectorUpdates)
	prometheus.MustRegister(EmbeddingRequests)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
