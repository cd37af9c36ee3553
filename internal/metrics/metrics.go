// Package metrics exposes Prometheus counters and histograms for the
// routing engine (requests, retries, cooldowns, classifier outcomes).
// Grounded on the global-counter-plus-MustRegister pattern and the
// dedicated /metrics endpoint of the churn telemetry package in the
// example pack (github.com/prometheus/client_golang).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_requests_total",
		Help: "Total client requests, labeled by requested and resolved alias.",
	}, []string{"requested_alias", "resolved_alias"})

	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_attempts_total",
		Help: "Total upstream attempts, labeled by provider tag and outcome kind.",
	}, []string{"provider_tag", "kind"})

	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_retries_total",
		Help: "Total retries, labeled by reason (ordinary, signature_recovery).",
	}, []string{"reason"})

	CooldownsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_cooldowns_applied_total",
		Help: "Total cooldowns applied, labeled by classifier kind.",
	}, []string{"kind"})

	RouterAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_router_applied_total",
		Help: "Total requests where the model router changed the resolved alias, labeled by decision tag.",
	}, []string{"tag"})

	AutoUpgradeTriggeredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmrouter_auto_upgrade_triggered_total",
		Help: "Total requests where auto-upgrade fired, labeled by reason.",
	}, []string{"reason"})

	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmrouter_attempt_duration_seconds",
		Help:    "Upstream attempt latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider_tag"})

	StickyKeysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "llmrouter_sticky_keys",
		Help: "Current number of live sticky-session entries.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		AttemptsTotal,
		RetriesTotal,
		CooldownsAppliedTotal,
		RouterAppliedTotal,
		AutoUpgradeTriggeredTotal,
		AttemptDuration,
		StickyKeysGauge,
	)
}

// Serve runs a dedicated /metrics HTTP server until ctx is canceled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
