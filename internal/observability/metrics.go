package observability

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	CRMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealsync",
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "Outbound Pipedrive requests by method, endpoint and status class",
		},
		[]string{"method", "endpoint", "status"},
	)

	CRMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealsync",
			Subsystem: "crm",
			Name:      "request_duration_seconds",
			Help:      "Latency of outbound Pipedrive requests",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	ReconcileLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealsync",
			Subsystem: "reconcile",
			Name:      "lines_total",
			Help:      "Deal product lines processed by outcome",
		},
		[]string{"outcome"},
	)

	CacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealsync",
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Reference data fetches that missed the in-process cache",
		},
		[]string{"cache"},
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealsync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Proposal sync runs by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CRMRequestsTotal,
			CRMRequestDuration,
			ReconcileLinesTotal,
			CacheFetchesTotal,
			SyncRunsTotal,
		)
	})
}

// Start registers the collectors and serves /metrics on port in the background.
// A listener failure is logged.
func Start(port string, logger *zap.Logger) *http.Server {
	Register()
	logger = OrNop(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()
	return srv
}
