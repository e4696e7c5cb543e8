// Package metrics exposes Prometheus counters for migration runs.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
)

// Collector records write engine activity. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	processed    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	failed       *prometheus.CounterVec
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamigration",
			Name:      "records_processed_total",
			Help:      "Records submitted to the target, by object and operation.",
		}, []string{"object", "operation"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamigration",
			Name:      "records_retried_total",
			Help:      "Records re-submitted after a transient failure.",
		}, []string{"object", "operation"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamigration",
			Name:      "records_failed_total",
			Help:      "Records that permanently failed.",
		}, []string{"object", "operation"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamigration",
			Name:      "write_calls_total",
			Help:      "Write calls sent to the target, by outcome.",
		}, []string{"object", "operation", "status"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datamigration",
			Name:      "write_call_duration_seconds",
			Help:      "Duration of write calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"object", "operation"}),
	}
	c.registry.MustRegister(c.processed, c.retried, c.failed, c.calls, c.callDuration)
	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Processed counts records submitted for the first time
func (c *Collector) Processed(object, op string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.processed.WithLabelValues(object, op).Add(float64(n))
}

// Retried counts records re-submitted by the retry pass
func (c *Collector) Retried(object, op string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.retried.WithLabelValues(object, op).Add(float64(n))
}

// Failed counts permanently failed records
func (c *Collector) Failed(object, op string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.failed.WithLabelValues(object, op).Add(float64(n))
}

// ObserveCall records one write call
func (c *Collector) ObserveCall(object, op string, started time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.calls.WithLabelValues(object, op, status).Inc()
	c.callDuration.WithLabelValues(object, op).Observe(time.Since(started).Seconds())
}

// Serve exposes the registry on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down metrics server: %v", err)
		}
	}()

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
