package observability

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/ble-radio-scheduler/core"
)

type fakeBaseband struct{}

func (fakeBaseband) SetupDelayUsec() uint32                        { return 150 }
func (fakeBaseband) TimeDeltaUsec(target, reference uint32) uint32 { return target - reference }

func TestSchedulerCollectorTracksManagers(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	s := core.NewScheduler(core.DefaultConfig(), fakeBaseband{}, core.WithMetricsRecorder(collector))
	src := core.TimeSourceFunc(func(core.Handle, *uint32) uint32 { return 0 })
	for h := core.Handle(0); h < 3; h++ {
		if _, err := s.RM.Add(h, core.PreferCapacity, 120000, 120000, 2000, src); err != nil {
			t.Fatalf("Add(%d): %v", h, err)
		}
	}
	if err := s.TM.Add(12, 40000, 3000, false, src); err != nil {
		t.Fatalf("TM.Add: %v", err)
	}
	if _, err := s.RM.Add(0, core.PreferCapacity, 120000, 120000, 2000, src); err == nil {
		t.Fatal("expected duplicate Add to fail")
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"sched_reservations_active", testutil.ToFloat64(collector.ActiveReservations), 3},
		{"sched_reservations_uncommon", testutil.ToFloat64(collector.UncommonReservations), 0},
		{"sched_common_interval_microseconds", testutil.ToFloat64(collector.CommonInterval), 120000},
		{"sched_offset_depth", testutil.ToFloat64(collector.OffsetDepth), 2},
		{"sched_capacity_used_percent", testutil.ToFloat64(collector.CapacityUsed), 30},
		{"sched_topology_links_enabled", testutil.ToFloat64(collector.TopologyLinks), 1},
		{"sched_rejections_total{reason=usage}", testutil.ToFloat64(collector.Rejections.WithLabelValues("usage")), 1},
		{"sched_depth_transitions_total{kind=widen}", testutil.ToFloat64(collector.DepthTransitions.WithLabelValues("widen")), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestSchedulerCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	second, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("second NewSchedulerCollector: %v", err)
	}
	first.SetCapacityUsed(42)
	if got := testutil.ToFloat64(second.CapacityUsed); got != 42 {
		t.Fatalf("shared capacity gauge = %v, want 42", got)
	}
}

func TestSchedulerCollectorNilSafe(t *testing.T) {
	var c *SchedulerCollector
	c.SetReservationCounts(1, 1)
	c.SetOffsetLayout(1, 1)
	c.SetCapacityUsed(1)
	c.SetTopologyLinks(1)
	c.IncRejections("capacity")
	c.IncDepthTransitions("widen")
	if c.Gatherer() != nil {
		t.Fatal("nil collector must have nil gatherer")
	}
}

func TestOperationCollectorRecordsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewOperationCollector(reg)
	if err != nil {
		t.Fatalf("NewOperationCollector: %v", err)
	}

	collector.Observe("add", time.Now(), nil)
	collector.Observe("add", time.Now(), errors.New("boom"))
	collector.Observe("remove", time.Now(), nil)
	collector.SetClock(123456)

	if got := testutil.ToFloat64(collector.Operations.WithLabelValues("add", "ok")); got != 1 {
		t.Fatalf("sched_operations_total{add,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Operations.WithLabelValues("add", "error")); got != 1 {
		t.Fatalf("sched_operations_total{add,error} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "sched_operation_duration_seconds", map[string]string{"op": "add"}); count != 2 {
		t.Fatalf("sched_operation_duration_seconds{add} sample_count = %d, want 2", count)
	}
	if got := testutil.ToFloat64(collector.ClockUsec); got != 123456 {
		t.Fatalf("sched_baseband_clock_microseconds = %v, want 123456", got)
	}
}

func TestMetricsHandlerExposesSchedulerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	ops, err := NewOperationCollector(reg)
	if err != nil {
		t.Fatalf("NewOperationCollector: %v", err)
	}
	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	sched.SetReservationCounts(3, 1)
	sched.SetOffsetLayout(120000, 2)
	ops.Observe("add", time.Now(), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	ops.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"sched_operations_total",
		"sched_operation_duration_seconds",
		"sched_reservations_active 3",
		"sched_reservations_uncommon 1",
		"sched_common_interval_microseconds 120000",
		"sched_offset_depth 2",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestWriteTextDumpsFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	sched.IncRejections("capacity")

	var buf bytes.Buffer
	if err := WriteText(&buf, sched.Gatherer()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "# TYPE sched_rejections_total counter") {
		t.Fatalf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, `sched_rejections_total{reason="capacity"} 1`) {
		t.Fatalf("missing rejection sample:\n%s", out)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
