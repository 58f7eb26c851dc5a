package core

import "testing"

type fakeBaseband struct {
	setup uint32
}

func (f fakeBaseband) SetupDelayUsec() uint32 { return f.setup }

func (fakeBaseband) TimeDeltaUsec(target, reference uint32) uint32 { return target - reference }

// fixedSource is a comparable TimeSource anchored at a constant time.
type fixedSource uint32

func (f fixedSource) AnchorUsec(Handle, *uint32) uint32 { return uint32(f) }

// stretchedSource reports a constant anchor and overrides the duration.
type stretchedSource struct {
	anchor uint32
	dur    uint32
}

func (s stretchedSource) AnchorUsec(_ Handle, durUsec *uint32) uint32 {
	if durUsec != nil {
		*durUsec = s.dur
	}
	return s.anchor
}

// movingSource is a TimeSource whose anchor the test advances.
type movingSource struct {
	anchor uint32
}

func (s *movingSource) AnchorUsec(Handle, *uint32) uint32 { return s.anchor }

const testSetupDelayUsec = 150

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	return NewScheduler(cfg, fakeBaseband{setup: testSetupDelayUsec})
}

func mustAdd(t *testing.T, rm *ReservationManager, h Handle, pref Preference, minUsec, maxUsec, durUsec uint32, src TimeSource) uint32 {
	t.Helper()
	interval, err := rm.Add(h, pref, minUsec, maxUsec, durUsec, src)
	if err != nil {
		t.Fatalf("Add(%d) error = %v", h, err)
	}
	return interval
}

// checkLayoutInvariants verifies that the stored bitmask is exactly the
// disjoint union of all claims and that the offset unit respects the floor.
func checkLayoutInvariants(t *testing.T, rm *ReservationManager) {
	t.Helper()
	layout := rm.state.layout
	var union uint32
	for _, c := range rm.state.claims() {
		occ := layout.Occupancy(c)
		if union&occ != 0 {
			t.Fatalf("claim %+v overlaps another claim in %s", c, layout)
		}
		union |= occ
	}
	if union != layout.Bitmask {
		t.Fatalf("bitmask %b does not match claims %b", layout.Bitmask, union)
	}
	if !layout.Empty() && layout.UnitUsec() < rm.cfg.MinOffsetUnitUsec {
		t.Fatalf("offset unit %dus below floor", layout.UnitUsec())
	}
	if layout.Depth > MaxOffsetDepth {
		t.Fatalf("depth %d above maximum", layout.Depth)
	}
	if used := rm.CapacityUsedPercent(); used >= 100 {
		t.Fatalf("capacity used %d%% >= 100%%", used)
	}
	if !layout.Empty() {
		ref := rm.state.refHandle
		if ref == NoHandle || rm.state.rsv[ref].offsetBit != 0 || !rm.state.rsv[ref].commonIntUsed {
			t.Fatalf("reference %s does not own bit 0", ref)
		}
	}
}
