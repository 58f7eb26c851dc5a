package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHandle       = errors.New("invalid handle")
	ErrInvalidInterval     = errors.New("invalid interval range")
	ErrHandleInUse         = errors.New("handle already has an active reservation")
	ErrNoTimeSource        = errors.New("time source is nil")
	ErrCapacityExceeded    = errors.New("radio capacity exceeded")
	ErrResolutionExhausted = errors.New("offset resolution exhausted")
)

// Handle identifies a reservation or topology link. It is a small index into
// a fixed-capacity table and is validated on every operation.
type Handle uint8

// NoHandle marks the absence of a reference reservation.
const NoHandle Handle = 0xFF

func (h Handle) String() string {
	if h == NoHandle {
		return "none"
	}
	return fmt.Sprintf("%d", uint8(h))
}

// Preference selects how a reservation's interval is picked inside the
// requested range.
type Preference int

const (
	// PreferPerformance searches upward from the lower bound.
	PreferPerformance Preference = iota
	// PreferCapacity searches downward from the upper bound.
	PreferCapacity
)

func (p Preference) String() string {
	switch p {
	case PreferCapacity:
		return "capacity"
	case PreferPerformance:
		return "performance"
	default:
		return "unknown"
	}
}

// ParsePreference maps a textual preference onto a Preference value.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "", "performance", "perf":
		return PreferPerformance, nil
	case "capacity", "cap":
		return PreferCapacity, nil
	default:
		return PreferPerformance, fmt.Errorf("unknown preference %q", s)
	}
}

// TimeSource reports the absolute time, in baseband microseconds, of the most
// recent occurrence of the activity registered under h. When durUsec is non-nil
// the implementation may replace it with the activity's current per-event
// duration.
type TimeSource interface {
	AnchorUsec(h Handle, durUsec *uint32) uint32
}

// TimeSourceFunc adapts a plain function to the TimeSource interface.
type TimeSourceFunc func(h Handle, durUsec *uint32) uint32

// AnchorUsec calls f(h, durUsec).
func (f TimeSourceFunc) AnchorUsec(h Handle, durUsec *uint32) uint32 { return f(h, durUsec) }

// Baseband is the timing surface of the radio driver.
type Baseband interface {
	// SetupDelayUsec is the fixed guard time the radio needs before an event.
	SetupDelayUsec() uint32
	// TimeDeltaUsec returns the wraparound-safe forward distance from
	// reference to target.
	TimeDeltaUsec(target, reference uint32) uint32
}

// MetricsRecorder receives scheduler state updates from the managers'
// mutators. observability.SchedulerCollector implements it.
type MetricsRecorder interface {
	SetReservationCounts(active, uncommon int)
	SetOffsetLayout(commonIntervalUsec uint32, depth uint8)
	SetCapacityUsed(percent int)
	SetTopologyLinks(enabled int)
	IncRejections(reason string)
	IncDepthTransitions(kind string)
}

type noopRecorder struct{}

func (noopRecorder) SetReservationCounts(int, int) {}
func (noopRecorder) SetOffsetLayout(uint32, uint8) {}
func (noopRecorder) SetCapacityUsed(int)           {}
func (noopRecorder) SetTopologyLinks(int)          {}
func (noopRecorder) IncRejections(string)          {}
func (noopRecorder) IncDepthTransitions(string)    {}

// RejectionReason maps a scheduler error onto a stable label: capacity,
// resolution, usage or other.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrResolutionExhausted):
		return "resolution"
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, ErrInvalidInterval),
		errors.Is(err, ErrHandleInUse), errors.Is(err, ErrNoTimeSource):
		return "usage"
	default:
		return "other"
	}
}
