// Package metrics exposes Prometheus collectors for the HTTP surface, the
// chain gateway, the conversation pipeline and settled transactions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"IntentArc/internal/txrecord"
)

const namespace = "intentarc"

// Registry owns every collector. Each instance has its own prometheus
// registry so tests never share state.
type Registry struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	intents        *prometheus.CounterVec
	proposals      *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New registers all collectors, including the Go runtime collectors.
func New() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Chain gateway calls by operation and result.",
		}, []string{"op", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Chain gateway call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Parsed messages by action; action is empty when nothing was understood.",
		}, []string{"action", "result"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Resolved proposals by action and failure code.",
		}, []string{"action", "code"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settled transactions by action and final status.",
		}, []string{"action", "status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Chat sessions currently held in memory.",
		}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.gatewayCalls, m.gatewayLatency,
		m.intents, m.proposals, m.settlements, m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveGatewayCall implements gateway.Observer.
func (m *Registry) ObserveGatewayCall(op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(op, result).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveIntent counts a parse attempt.
func (m *Registry) ObserveIntent(action string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.intents.WithLabelValues(action, result).Inc()
}

// ObserveProposal counts a resolved proposal; code is empty on success.
func (m *Registry) ObserveProposal(action, code string) {
	m.proposals.WithLabelValues(action, code).Inc()
}

// ObserveSettlement implements events.SettlementObserver.
func (m *Registry) ObserveSettlement(record txrecord.Record) {
	status := string(record.Status)
	if record.StatusUnknown {
		status = "unknown"
	}
	m.settlements.WithLabelValues(record.Action, status).Inc()
}

// SetActiveSessions updates the session gauge.
func (m *Registry) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// StartServer launches a standalone HTTP server exposing /metrics until ctx
// is cancelled.
func (m *Registry) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

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
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
