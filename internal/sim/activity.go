package sim

import "github.com/signalsfoundry/ble-radio-scheduler/core"

// activity is a simulated link-layer role: a connection, periodic sync,
// isochronous group or scan window with a fixed event grid. It reports its
// anchor to the scheduler as a core.TimeSource.
//
// Times are kept as microseconds since the start of the run so that the
// timeline never wraps; AnchorUsec converts back to baseband time.
type activity struct {
	name     string
	handle   core.Handle
	topology bool
	link     bool

	startUsec    uint32
	intervalUsec uint32
	durUsec      uint32
	// common is false when the reservation sits outside the offset bitmask.
	common bool

	active bool
	last   int64
	next   int64
}

var _ core.TimeSource = (*activity)(nil)

// AnchorUsec reports the most recent event, or the pending first event
// when none has happened yet.
func (a *activity) AnchorUsec(_ core.Handle, durUsec *uint32) uint32 {
	if durUsec != nil {
		*durUsec = a.durUsec
	}
	return a.startUsec + uint32(a.last)
}

// anchorAt restarts the event grid with the first event at elapsed.
func (a *activity) anchorAt(elapsed int64) {
	a.last = elapsed
	a.next = elapsed
	a.active = true
}

// occurrence is one radio event on the unwrapped timeline.
type occurrence struct {
	act   *activity
	start int64
	end   int64
}

// due emits every event that starts at or before elapsed.
func (a *activity) due(elapsed int64, emit func(occurrence)) {
	if !a.active || a.intervalUsec == 0 {
		return
	}
	for a.next <= elapsed {
		emit(occurrence{act: a, start: a.next, end: a.next + int64(a.durUsec)})
		a.last = a.next
		a.next += int64(a.intervalUsec)
	}
}
