package observability

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// OperationCollector bundles Prometheus metrics for scheduler calls made by
// an embedder (the simulator, or a link layer) and exposes them over HTTP.
type OperationCollector struct {
	gatherer prometheus.Gatherer

	Operations *prometheus.CounterVec
	Durations  *prometheus.HistogramVec
	ClockUsec  prometheus.Gauge
}

// NewOperationCollector registers operation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewOperationCollector(reg prometheus.Registerer) (*OperationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_operations_total",
		Help: "Scheduler operations issued, labeled by operation and result.",
	}, []string{"op", "result"})
	ops, err := register(reg, ops, "sched_operations_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sched_operation_duration_seconds",
		Help:    "Wall-clock latency of scheduler operations in seconds.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
	}, []string{"op"})
	durations, err = register(reg, durations, "sched_operation_duration_seconds")
	if err != nil {
		return nil, err
	}

	clockGauge, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sched_baseband_clock_microseconds",
		Help: "Baseband clock value at the last observed operation.",
	}), "sched_baseband_clock_microseconds")
	if err != nil {
		return nil, err
	}

	return &OperationCollector{
		gatherer:   gatherer,
		Operations: ops,
		Durations:  durations,
		ClockUsec:  clockGauge,
	}, nil
}

// Observe records one operation that started at start and finished now.
func (c *OperationCollector) Observe(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	if c.Operations != nil {
		c.Operations.WithLabelValues(op, Result(err)).Inc()
	}
	if c.Durations != nil {
		c.Durations.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// SetClock records the baseband time of the last operation.
func (c *OperationCollector) SetClock(nowUsec uint32) {
	if c == nil || c.ClockUsec == nil {
		return
	}
	c.ClockUsec.Set(float64(nowUsec))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *OperationCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Result maps an operation error onto the result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// WriteText dumps every metric family of g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
