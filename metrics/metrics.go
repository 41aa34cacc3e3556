package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SandboxesLive tracks environments currently alive on this host.
	SandboxesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_sandboxes_live",
			Help: "Number of isolated environments currently alive",
		},
	)

	// ExecutionsTotal counts finished executions by outcome kind.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total executions by outcome",
		},
		[]string{"outcome", "infrastructure"},
	)

	// ExecutionDuration observes wall-clock execution time.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "Wall-clock time per execution",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
	)

	// RejectionsTotal counts requests rejected by backpressure before
	// any environment was created.
	RejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rejections_total",
			Help: "Requests rejected at the concurrency ceiling",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesLive,
		ExecutionsTotal,
		ExecutionDuration,
		RejectionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		// Metrics are non-critical; don't crash on a listen failure.
		_ = srv.ListenAndServe()
	}()
	return srv
}
