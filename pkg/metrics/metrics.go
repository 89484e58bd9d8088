package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
)

const namespace = "sysinit"

// Metrics exports unit lifecycle and bulk operation metrics. It is a unit.Observer.
type Metrics struct {
	registry *prometheus.Registry

	unitState     *prometheus.GaugeVec
	unitPID       *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	bulkUnits     *prometheus.CounterVec
	bulkDurations *prometheus.HistogramVec
	configReloads *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_state",
			Help:      "Current state of each unit; 1 for the active state, 0 otherwise",
		}, []string{"unit", "state"}),
		unitPID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_pid",
			Help:      "PID of the running process of each unit, 0 when not running",
		}, []string{"unit"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_transitions_total",
			Help:      "Counts unit state transitions by target state",
		}, []string{"unit", "state"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_failures_total",
			Help:      "Counts transitions into the failed state by error type",
		}, []string{"unit", "type"}),
		bulkUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_units_total",
			Help:      "Counts units handled by bulk operations by outcome",
		}, []string{"operation", "outcome"}),
		bulkDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_duration_seconds",
			Help:      "Duration of bulk operations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Counts configuration reloads by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.unitState,
		m.unitPID,
		m.transitions,
		m.failures,
		m.bulkUnits,
		m.bulkDurations,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) UnitTransitioned(t unit.Transition) {
	for _, state := range unit.States() {
		value := 0.0
		if state == t.To {
			value = 1
		}
		m.unitState.WithLabelValues(t.Unit, string(state)).Set(value)
	}

	pid := 0
	if t.To == unit.StateRunning {
		pid = t.PID
	}
	m.unitPID.WithLabelValues(t.Unit).Set(float64(pid))

	m.transitions.WithLabelValues(t.Unit, string(t.To)).Inc()

	if t.To == unit.StateFailed {
		errorType := string(errors.TypeOf(t.Err))
		if errorType == "" {
			errorType = "exit"
		}
		m.failures.WithLabelValues(t.Unit, errorType).Inc()
	}
}

// ObserveBulk records the outcome of one bulk operation
func (m *Metrics) ObserveBulk(operation string, units, failed int, elapsed time.Duration) {
	m.bulkUnits.WithLabelValues(operation, "ok").Add(float64(units - failed))
	m.bulkUnits.WithLabelValues(operation, "failed").Add(float64(failed))
	m.bulkDurations.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveConfigReload(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Forget drops every series of a unit that left the registry
func (m *Metrics) Forget(unitName string) {
	labels := prometheus.Labels{"unit": unitName}
	m.unitState.DeletePartialMatch(labels)
	m.unitPID.DeletePartialMatch(labels)
	m.transitions.DeletePartialMatch(labels)
	m.failures.DeletePartialMatch(labels)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Metrics endpoint listening, addr: %s", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.NewIOError("metrics endpoint failed", err).WithContext("addr", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics endpoint shutdown: %v", err)
		}
		logger.Infof("Metrics endpoint stopped")
		return nil
	}
}
