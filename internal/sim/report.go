package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// maxCollisionSamples bounds the collision pairs kept in a report.
const maxCollisionSamples = 16

// Report summarises one scenario run.
type Report struct {
	RunID        string           `json:"run_id"`
	Scenario     string           `json:"scenario"`
	DurationUsec uint64           `json:"duration_us"`
	Events       int              `json:"events"`
	Placements   []Placement      `json:"placements"`
	Rejections   []Rejection      `json:"rejections,omitempty"`
	Collisions   CollisionSummary `json:"collisions"`
	Final        FinalState       `json:"final"`
}

// Placement is the allocation a reservation received from an add or update.
type Placement struct {
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	Handle       int    `json:"handle"`
	Op           string `json:"op"`
	AtUsec       uint64 `json:"at_us"`
	IntervalUsec uint32 `json:"interval_us"`
	OffsetUsec   uint32 `json:"offset_us"`
	OffsetBit    uint8  `json:"offset_bit"`
	Width        uint8  `json:"width"`
	SubDepth     uint8  `json:"sub_depth"`
	Common       bool   `json:"common"`
}

// Rejection is a scheduler call that failed.
type Rejection struct {
	Name   string `json:"name"`
	Handle int    `json:"handle"`
	Op     string `json:"op"`
	AtUsec uint64 `json:"at_us"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// CollisionSummary counts overlapping radio events by class. Bitmask
// collisions are scheduler defects; uncommon and topology collisions are
// tolerated.
type CollisionSummary struct {
	Bitmask  int         `json:"bitmask"`
	Uncommon int         `json:"uncommon"`
	Topology int         `json:"topology"`
	Samples  []Collision `json:"samples,omitempty"`
}

// Total is the number of colliding event pairs.
func (c CollisionSummary) Total() int { return c.Bitmask + c.Uncommon + c.Topology }

// Collision is one pair of overlapping events.
type Collision struct {
	Class       string `json:"class"`
	A           string `json:"a"`
	B           string `json:"b"`
	AtUsec      int64  `json:"at_us"`
	OverlapUsec int64  `json:"overlap_us"`
}

// FinalState is the scheduler state at the end of the run.
type FinalState struct {
	CommonIntervalUsec  uint32 `json:"common_interval_us"`
	Depth               uint8  `json:"depth"`
	Bitmask             string `json:"bitmask"`
	Reference           string `json:"reference"`
	Active              int    `json:"active"`
	Uncommon            int    `json:"uncommon"`
	CapacityUsedPercent int    `json:"capacity_used_percent"`
	TopologyLinks       int    `json:"topology_links"`
}

// WriteJSON encodes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

const (
	classBitmask  = "bitmask"
	classUncommon = "uncommon"
	classTopology = "topology"
)

func collisionClass(a, b *activity) string {
	switch {
	case a.link || b.link:
		return classTopology
	case !a.common || !b.common:
		return classUncommon
	default:
		return classBitmask
	}
}

// verifyCollisions sweeps the event timeline and counts every pair of
// overlapping events from different activities.
func verifyCollisions(events []occurrence) CollisionSummary {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].start < events[j].start
	})

	var sum CollisionSummary
	var open []occurrence
	for _, ev := range events {
		kept := open[:0]
		for _, o := range open {
			if o.end > ev.start {
				kept = append(kept, o)
			}
		}
		open = kept

		for _, o := range open {
			if o.act == ev.act {
				continue
			}
			class := collisionClass(o.act, ev.act)
			switch class {
			case classBitmask:
				sum.Bitmask++
			case classUncommon:
				sum.Uncommon++
			default:
				sum.Topology++
			}
			if len(sum.Samples) < maxCollisionSamples {
				sum.Samples = append(sum.Samples, Collision{
					Class:       class,
					A:           o.act.name,
					B:           ev.act.name,
					AtUsec:      ev.start,
					OverlapUsec: min(o.end, ev.end) - ev.start,
				})
			}
		}
		open = append(open, ev)
	}
	return sum
}
