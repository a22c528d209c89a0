// Package metrics exposes Prometheus collectors for turns, tool calls,
// confirmations, undo handling and the HTTP API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp"

// Registry holds every collector registered by this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	turnsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Turns processed by outcome (complete, confirmation, iteration_bound, cancelled, error).",
	}, []string{"outcome"})

	turnDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "Wall clock duration of a turn.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	turnIterations = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_iterations",
		Help:      "Master loop iterations used per turn.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})

	toolCallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Capability invocations by domain, operation and outcome.",
	}, []string{"domain", "operation", "outcome"})

	toolCallDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Capability invocation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})

	confirmationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_total",
		Help:      "Confirmation lifecycle events by domain (requested, granted, denied, discarded).",
	}, []string{"domain", "event"})

	undoTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "undo_requests_total",
		Help:      "Undo requests by domain and outcome (executed, expired, none).",
	}, []string{"domain", "outcome"})

	storeFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_store_failures_total",
		Help:      "Session store failures by operation.",
	}, []string{"operation"})

	turnJobsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turn_jobs_total",
		Help:      "Asynchronous turn jobs by outcome (succeeded, retried, failed).",
	}, []string{"outcome"})

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObserveTurn records the outcome of a finished turn.
func ObserveTurn(outcome string, iterations int, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnIterations.Observe(float64(iterations))
	turnDuration.Observe(duration.Seconds())
}

// ObserveToolCall records one capability invocation.
func ObserveToolCall(domain, operation, outcome string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(domain, operation, outcome).Inc()
	toolCallDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveConfirmation records a confirmation lifecycle event.
func ObserveConfirmation(domain, event string) {
	confirmationsTotal.WithLabelValues(domain, event).Inc()
}

// ObserveUndo records an undo request.
func ObserveUndo(domain, outcome string) {
	undoTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveStoreFailure records a session store failure.
func ObserveStoreFailure(operation string) {
	storeFailures.WithLabelValues(operation).Inc()
}

// ObserveTurnJob records the outcome of one queued turn attempt.
func ObserveTurnJob(outcome string) {
	turnJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
