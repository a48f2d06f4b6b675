package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors of a run. A Metrics built from a
// disabled config, or a nil *Metrics, ignores every Record call.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	commands          *prometheus.CounterVec
	commandDuration   prometheus.Histogram
	connects          *prometheus.CounterVec
	factCache         *prometheus.CounterVec
	activeHosts       prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	m.registry = prometheus.NewRegistry()
	factory := promauto.With(m.registry)

	m.operations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "operations_total", Help: "Operation results per host, by status",
	}, []string{"status"})
	m.operationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "operation_duration_seconds", Help: "Duration of an operation on one host in seconds", Buckets: buckets,
	}, []string{"operation"})
	m.commands = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "commands_total", Help: "Commands executed, by status",
	}, []string{"status"})
	m.commandDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "command_duration_seconds", Help: "Duration of a command including retries in seconds", Buckets: buckets,
	})
	m.connects = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "hosts_connected_total", Help: "Connection attempts, by status",
	}, []string{"status"})
	m.factCache = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "fact_cache_total", Help: "Fact cache lookups, by result",
	}, []string{"result"})
	m.activeHosts = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "active_hosts", Help: "Hosts currently connected",
	})

	return m, nil
}

func (m *Metrics) off() bool {
	return m == nil || m.registry == nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordOperation counts one operation result on one host.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m.off() {
		return
	}
	m.operations.WithLabelValues(status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommand counts one command and observes its duration.
func (m *Metrics) RecordCommand(err error, duration time.Duration) {
	if m.off() {
		return
	}
	m.commands.WithLabelValues(outcome(err)).Inc()
	m.commandDuration.Observe(duration.Seconds())
}

// RecordConnect counts a connection attempt; successes raise active_hosts.
func (m *Metrics) RecordConnect(err error) {
	if m.off() {
		return
	}
	m.connects.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.activeHosts.Inc()
	}
}

func (m *Metrics) RecordDisconnect() {
	if m.off() {
		return
	}
	m.activeHosts.Dec()
}

func (m *Metrics) RecordFactLookup(cached bool) {
	if m.off() {
		return
	}
	result := "miss"
	if cached {
		result = "hit"
	}
	m.factCache.WithLabelValues(result).Inc()
}

// Registry is nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m.off() {
		return nil
	}
	return m.registry
}

// Handler serves the registry, or 404 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.off() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer binds the listen address and serves in the background.
// Without a listen address metrics are only collected.
func (m *Metrics) StartMetricsServer() error {
	if m.off() || m.cfg.ListenAddress == "" {
		return nil
	}

	l, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.Path, m.Handler())
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := m.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", l.Addr().String()).Msg("metrics server stopped")
		}
	}()
	log.Debug().Str("address", l.Addr().String()).Str("path", m.cfg.Path).Msg("serving metrics")
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
