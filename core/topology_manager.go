package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalsfoundry/ble-radio-scheduler/internal/logging"
)

type topologyLink struct {
	enabled      bool
	movable      bool
	intervalUsec uint32
	durUsec      uint32
	src          TimeSource
}

// LinkInfo is a read-only view of one topology link.
type LinkInfo struct {
	Handle       Handle
	Enabled      bool
	Movable      bool
	IntervalUsec uint32
	DurUsec      uint32
}

// busyWindow is a half-open interval in microseconds relative to the merge
// base of FirstAnchorOffsetUsec.
type busyWindow struct {
	start int64
	end   int64
}

// TopologyManager tracks every periodic commitment of the radio, including
// ones outside the reservation bitmask such as scan windows. It claims no
// radio time itself; it only answers conflict and first-anchor queries.
type TopologyManager struct {
	cfg     Config
	bb      Baseband
	log     logging.Logger
	metrics MetricsRecorder

	links []topologyLink
}

// NewTopologyManager constructs an initialised manager with one slot per
// connection, periodic sync and isochronous group.
func NewTopologyManager(cfg Config, bb Baseband, opts ...Option) *TopologyManager {
	o := buildOptions(opts)
	cfg = cfg.ApplyDefaults()
	tm := &TopologyManager{
		cfg:     cfg,
		bb:      bb,
		log:     o.log.With(logging.String("component", "tm")),
		metrics: o.metrics,
		links:   make([]topologyLink, cfg.TopologyCapacity()),
	}
	tm.Init()
	return tm
}

// Init disables every link.
func (tm *TopologyManager) Init() {
	for i := range tm.links {
		tm.links[i] = topologyLink{}
	}
	tm.metrics.SetTopologyLinks(0)
}

// Add registers (or re-registers) the link h for conflict checking.
func (tm *TopologyManager) Add(h Handle, intervalUsec, durUsec uint32, movable bool, src TimeSource) error {
	if err := tm.validateHandle(h); err != nil {
		return err
	}
	if intervalUsec == 0 {
		return fmt.Errorf("%w: link %s has zero interval", ErrInvalidInterval, h)
	}
	if src == nil {
		return ErrNoTimeSource
	}
	tm.links[h] = topologyLink{
		enabled:      true,
		movable:      movable,
		intervalUsec: intervalUsec,
		durUsec:      durUsec,
		src:          src,
	}
	tm.metrics.SetTopologyLinks(tm.NumEnabled())
	return nil
}

// Remove disables the link h.
func (tm *TopologyManager) Remove(h Handle) error {
	if err := tm.validateHandle(h); err != nil {
		return err
	}
	tm.links[h].enabled = false
	tm.metrics.SetTopologyLinks(tm.NumEnabled())
	return nil
}

// Link returns the registration for h.
func (tm *TopologyManager) Link(h Handle) (LinkInfo, bool) {
	if tm.validateHandle(h) != nil {
		return LinkInfo{}, false
	}
	l := tm.links[h]
	return LinkInfo{
		Handle:       h,
		Enabled:      l.enabled,
		Movable:      l.movable,
		IntervalUsec: l.intervalUsec,
		DurUsec:      l.durUsec,
	}, l.intervalUsec != 0
}

// NumEnabled returns the number of enabled links.
func (tm *TopologyManager) NumEnabled() int {
	n := 0
	for _, l := range tm.links {
		if l.enabled {
			n++
		}
	}
	return n
}

// CheckConflict reports whether a window of durUsec starting at refBegin,
// repeating every intervalUsec, overlaps any enabled link's projected
// windows. Links whose interval has no power-of-two relationship with
// intervalUsec cannot be proven to collide and are skipped.
func (tm *TopologyManager) CheckConflict(refBegin, intervalUsec, durUsec uint32) bool {
	setup := int64(tm.bb.SetupDelayUsec())
	candLen := int64(durUsec) + setup

	for i, l := range tm.links {
		if !l.enabled || !tm.cfg.related(l.intervalUsec, intervalUsec) {
			continue
		}
		h := Handle(i)
		step := int64(min(l.intervalUsec, intervalUsec))
		linkDur := l.durUsec
		begin := l.src.AnchorUsec(h, &linkDur)
		linkLen := int64(linkDur) + setup

		// Project back to the last occurrence at or before refBegin.
		off := signedDeltaUsec(tm.bb, begin, refBegin) % step
		if off > 0 {
			off -= step
		}
		for ; off < candLen; off += step {
			if off+linkLen > 0 {
				tm.log.Debug(context.Background(), "topology conflict",
					logging.Int("link", int(h)),
					logging.Uint32("ref_begin_us", refBegin),
					logging.Uint32("interval_us", intervalUsec),
				)
				return true
			}
		}
	}
	return false
}

// FirstAnchorOffsetUsec places the first anchor of a new activity in the
// middle of the largest idle gap left by the related links and returns its
// distance from refTime in (0, intervalUsec]. Without related links it
// returns defOffsUsec.
func (tm *TopologyManager) FirstAnchorOffsetUsec(refTime, defOffsUsec, intervalUsec, durUsec uint32) uint32 {
	setup := int64(tm.bb.SetupDelayUsec())

	var eligible []Handle
	merge := intervalUsec
	for i, l := range tm.links {
		if !l.enabled || !tm.cfg.related(l.intervalUsec, intervalUsec) {
			continue
		}
		eligible = append(eligible, Handle(i))
		merge = min(merge, l.intervalUsec)
	}
	if len(eligible) == 0 || merge == 0 {
		return defOffsUsec
	}

	var base uint32
	windows := make([]busyWindow, 0, len(eligible)+1)
	for i, h := range eligible {
		l := tm.links[h]
		dur := l.durUsec
		begin := l.src.AnchorUsec(h, &dur)
		length := int64(dur) + setup
		if i == 0 {
			base = begin
			windows = append(windows, busyWindow{start: 0, end: length})
			continue
		}
		off := signedDeltaUsec(tm.bb, begin, base) % int64(merge)
		if off < 0 {
			off += int64(merge)
		}
		windows = append(windows, busyWindow{start: off, end: off + length})
	}

	windows = coalesceWindows(windows)
	first := windows[0]
	windows = append(windows, busyWindow{start: first.start + int64(merge), end: first.end + int64(merge)})

	bestGap := int64(-1)
	var bestStart int64
	for i := 0; i+1 < len(windows); i++ {
		gap := windows[i+1].start - windows[i].end
		if gap > bestGap {
			bestGap = gap
			bestStart = windows[i].end
		}
	}
	if bestGap < 0 {
		return defOffsUsec
	}

	anchor := bestStart + bestGap/2 - int64(durUsec)/2
	target := base + uint32(anchor)
	tm.log.Debug(context.Background(), "first anchor placed",
		logging.Int("links", len(eligible)),
		logging.Uint32("merge_period_us", merge),
		logging.Any("gap_us", bestGap),
	)
	return normalizeOffset(tm.bb, target, refTime, intervalUsec)
}

// coalesceWindows sorts windows by start and merges overlapping ones.
func coalesceWindows(windows []busyWindow) []busyWindow {
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].start < windows[j].start
	})
	out := windows[:1]
	for _, w := range windows[1:] {
		last := &out[len(out)-1]
		if w.start <= last.end {
			if w.end > last.end {
				last.end = w.end
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

func (tm *TopologyManager) validateHandle(h Handle) error {
	if int(h) >= len(tm.links) {
		return fmt.Errorf("%w: topology handle %d (capacity %d)", ErrInvalidHandle, h, len(tm.links))
	}
	return nil
}
