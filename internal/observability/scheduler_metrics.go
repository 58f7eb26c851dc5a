package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/ble-radio-scheduler/core"
)

var _ core.MetricsRecorder = (*SchedulerCollector)(nil)

// SchedulerCollector exposes the Reservation and Topology Manager state as
// Prometheus metrics. It satisfies core.MetricsRecorder so the managers can
// drive gauge values directly from their mutators.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	ActiveReservations   prometheus.Gauge
	UncommonReservations prometheus.Gauge
	CommonInterval       prometheus.Gauge
	OffsetDepth          prometheus.Gauge
	CapacityUsed         prometheus.Gauge
	TopologyLinks        prometheus.Gauge
	Rejections           *prometheus.CounterVec
	DepthTransitions     *prometheus.CounterVec
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &SchedulerCollector{gatherer: gatherer}
	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.ActiveReservations, "sched_reservations_active", "Number of active reservations."},
		{&c.UncommonReservations, "sched_reservations_uncommon", "Number of reservations placed outside the offset bitmask."},
		{&c.CommonInterval, "sched_common_interval_microseconds", "Current common interval of the offset bitmask."},
		{&c.OffsetDepth, "sched_offset_depth", "Current offset depth; the bitmask has 2^depth slots."},
		{&c.CapacityUsed, "sched_capacity_used_percent", "Summed capacity cost of all active reservations."},
		{&c.TopologyLinks, "sched_topology_links_enabled", "Number of enabled topology links."},
	}
	for _, g := range gauges {
		gauge, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = gauge
	}

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_rejections_total",
		Help: "Reservation requests refused by the scheduler, labeled by reason.",
	}, []string{"reason"})
	rejections, err := register(reg, rejections, "sched_rejections_total")
	if err != nil {
		return nil, err
	}
	c.Rejections = rejections

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_depth_transitions_total",
		Help: "Offset layout transitions, labeled by kind (init, widen, narrow, grow, rotate, reset).",
	}, []string{"kind"})
	transitions, err = register(reg, transitions, "sched_depth_transitions_total")
	if err != nil {
		return nil, err
	}
	c.DepthTransitions = transitions

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetReservationCounts updates the active and uncommon reservation gauges.
func (c *SchedulerCollector) SetReservationCounts(active, uncommon int) {
	if c == nil {
		return
	}
	setGauge(c.ActiveReservations, float64(active))
	setGauge(c.UncommonReservations, float64(uncommon))
}

// SetOffsetLayout updates the common interval and depth gauges.
func (c *SchedulerCollector) SetOffsetLayout(commonIntervalUsec uint32, depth uint8) {
	if c == nil {
		return
	}
	setGauge(c.CommonInterval, float64(commonIntervalUsec))
	setGauge(c.OffsetDepth, float64(depth))
}

// SetCapacityUsed updates the capacity gauge.
func (c *SchedulerCollector) SetCapacityUsed(percent int) {
	if c == nil {
		return
	}
	setGauge(c.CapacityUsed, float64(percent))
}

// SetTopologyLinks updates the enabled link gauge.
func (c *SchedulerCollector) SetTopologyLinks(enabled int) {
	if c == nil {
		return
	}
	setGauge(c.TopologyLinks, float64(enabled))
}

// IncRejections increments the rejection counter for reason.
func (c *SchedulerCollector) IncRejections(reason string) {
	if c == nil || c.Rejections == nil {
		return
	}
	c.Rejections.WithLabelValues(reason).Inc()
}

// IncDepthTransitions increments the transition counter for kind.
func (c *SchedulerCollector) IncDepthTransitions(kind string) {
	if c == nil || c.DepthTransitions == nil {
		return
	}
	c.DepthTransitions.WithLabelValues(kind).Inc()
}

func setGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// register adds c to reg, reusing the collector already registered under
// name when its type matches.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
