package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/ble-radio-scheduler/internal/logging"
)

type recordingMetrics struct {
	active, uncommon int
	common           uint32
	depth            uint8
	capacity         int
	links            int
	rejections       map[string]int
	transitions      map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{rejections: map[string]int{}, transitions: map[string]int{}}
}

func (r *recordingMetrics) SetReservationCounts(active, uncommon int) {
	r.active, r.uncommon = active, uncommon
}

func (r *recordingMetrics) SetOffsetLayout(common uint32, depth uint8) {
	r.common, r.depth = common, depth
}

func (r *recordingMetrics) SetCapacityUsed(percent int)  { r.capacity = percent }
func (r *recordingMetrics) SetTopologyLinks(enabled int) { r.links = enabled }
func (r *recordingMetrics) IncRejections(reason string)  { r.rejections[reason]++ }

func (r *recordingMetrics) IncDepthTransitions(kind string) {
	r.transitions[kind]++
}

func TestSchedulerPublishesMetrics(t *testing.T) {
	rec := newRecordingMetrics()
	s := NewScheduler(DefaultConfig(), fakeBaseband{setup: testSetupDelayUsec}, WithMetricsRecorder(rec))

	mustAdd(t, s.RM, 0, PreferCapacity, 120000, 120000, 2000, fixedSource(0))
	mustAdd(t, s.RM, 1, PreferCapacity, 120000, 120000, 2000, fixedSource(0))
	mustAdd(t, s.RM, 2, PreferPerformance, 50000, 50000, 2000, fixedSource(0))
	if err := s.TM.Add(12, 40000, 3000, false, fixedSource(0)); err != nil {
		t.Fatalf("TM.Add error = %v", err)
	}

	if rec.active != 3 || rec.uncommon != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", rec.active, rec.uncommon)
	}
	if rec.common != 120000 || rec.depth != 1 {
		t.Fatalf("layout = %d/%d, want 120000/1", rec.common, rec.depth)
	}
	if rec.capacity != 10+10+13 {
		t.Fatalf("capacity = %d, want 33", rec.capacity)
	}
	if rec.links != 1 {
		t.Fatalf("links = %d, want 1", rec.links)
	}
	if rec.transitions["init"] != 1 || rec.transitions["widen"] != 1 {
		t.Fatalf("transitions = %v", rec.transitions)
	}

	if _, err := s.RM.Add(0, PreferCapacity, 120000, 120000, 2000, fixedSource(0)); !errors.Is(err, ErrHandleInUse) {
		t.Fatalf("duplicate Add error = %v", err)
	}
	if rec.rejections["usage"] != 1 {
		t.Fatalf("rejections = %v, want one usage", rec.rejections)
	}

	if err := s.RM.Remove(1); err != nil {
		t.Fatalf("Remove error = %v", err)
	}
	if rec.transitions["narrow"] != 1 || rec.depth != 0 {
		t.Fatalf("after remove: transitions = %v depth = %d", rec.transitions, rec.depth)
	}

	s.Init()
	if rec.active != 0 || rec.common != 0 || rec.links != 0 || rec.capacity != 0 {
		t.Fatalf("after Init: %+v", rec)
	}
}

func TestSchedulerLogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	s := NewScheduler(DefaultConfig(), fakeBaseband{}, WithLogger(log))
	mustAdd(t, s.RM, 0, PreferCapacity, 40000, 40000, 1000, fixedSource(0))

	out := buf.String()
	for _, want := range []string{`"component":"rm"`, `"kind":"init"`, `"msg":"reservation added"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestNewSchedulerAppliesDefaults(t *testing.T) {
	s := NewScheduler(Config{}, fakeBaseband{})
	if s.Config.PrefPeriodConnUsec != 10000 || s.Config.MinOffsetUnitUsec != 2500 {
		t.Fatalf("config = %+v, want defaults", s.Config)
	}
	if got := s.Config.ReservationCapacity(); got != 16 {
		t.Fatalf("ReservationCapacity = %d, want 16", got)
	}
	if s.RM.ReferenceHandle() != NoHandle || !s.RM.Layout().Empty() {
		t.Fatal("new scheduler must start empty")
	}
}
