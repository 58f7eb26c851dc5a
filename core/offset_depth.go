package core

import "fmt"

// OffsetDepth describes the shared offset bitmask at one resolution: the
// common interval is split into 1<<Depth slots of UnitUsec each.
type OffsetDepth struct {
	CommonIntervalUsec uint32
	Depth              uint8
	Bitmask            uint32
}

// SlotClaim is one bitmask reservation expressed against an OffsetDepth.
// A claim with SubDepth k repeats 1<<k times per common interval.
type SlotClaim struct {
	Handle   Handle
	Bit      uint8
	Width    uint8
	SubDepth uint8
	DurUsec  uint32
}

// Empty reports whether no common interval is established.
func (d OffsetDepth) Empty() bool { return d.CommonIntervalUsec == 0 }

// Slots is the number of addressable offsets.
func (d OffsetDepth) Slots() int { return 1 << d.Depth }

// UnitUsec is the offset unit, commonInterval >> depth.
func (d OffsetDepth) UnitUsec() uint32 { return d.CommonIntervalUsec >> d.Depth }

func (d OffsetDepth) String() string {
	return fmt.Sprintf("common=%dus depth=%d mask=%0*b", d.CommonIntervalUsec, d.Depth, d.Slots(), d.Bitmask)
}

// Occupancy returns the bits claim c covers at this depth.
func (d OffsetDepth) Occupancy(c SlotClaim) uint32 {
	slots := d.Slots()
	spacing := slots >> c.SubDepth
	var mask uint32
	for occ := 0; occ < 1<<c.SubDepth; occ++ {
		start := int(c.Bit) + occ*spacing
		for w := 0; w < int(c.Width); w++ {
			mask |= 1 << uint((start+w)%slots)
		}
	}
	return mask
}

// fits reports whether c can be expressed at this depth without its
// occurrences running into each other.
func (d OffsetDepth) fits(c SlotClaim) bool {
	if c.SubDepth > d.Depth || c.Width == 0 {
		return false
	}
	spacing := d.Slots() >> c.SubDepth
	return int(c.Width) <= spacing && int(c.Bit) < spacing
}

// Rebuild recomputes the bitmask from claims. It fails when a claim does not
// fit or two claims share a bit.
func (d OffsetDepth) Rebuild(claims []SlotClaim) (OffsetDepth, bool) {
	d.Bitmask = 0
	for _, c := range claims {
		if !d.fits(c) {
			return d, false
		}
		occ := d.Occupancy(c)
		if d.Bitmask&occ != 0 {
			return d, false
		}
		d.Bitmask |= occ
	}
	return d, true
}

// Widen doubles the resolution. Every claim keeps its time position (bit
// doubled) and its width is recomputed for the finer unit.
func (d OffsetDepth) Widen(claims []SlotClaim, minUnitUsec uint32) (OffsetDepth, []SlotClaim, error) {
	if d.Depth >= MaxOffsetDepth {
		return d, claims, fmt.Errorf("%w: depth %d is the maximum", ErrResolutionExhausted, d.Depth)
	}
	next := OffsetDepth{CommonIntervalUsec: d.CommonIntervalUsec, Depth: d.Depth + 1}
	if next.UnitUsec() < minUnitUsec {
		return d, claims, fmt.Errorf("%w: unit %dus below floor %dus", ErrResolutionExhausted, next.UnitUsec(), minUnitUsec)
	}
	out := make([]SlotClaim, len(claims))
	for i, c := range claims {
		c.Bit <<= 1
		c.Width = widthFor(c.DurUsec, next.UnitUsec())
		out[i] = c
	}
	built, ok := next.Rebuild(out)
	if !ok {
		return d, claims, fmt.Errorf("%w: claims do not fit at depth %d", ErrResolutionExhausted, next.Depth)
	}
	return built, out, nil
}

// Narrow halves the resolution when every even or every odd bit is clear.
// A narrowing over odd bits moves every claim one old unit earlier, so the
// caller must re-elect the bit-0 owner as reference.
func (d OffsetDepth) Narrow(claims []SlotClaim) (OffsetDepth, []SlotClaim, bool) {
	if d.Depth == 0 || d.Empty() {
		return d, claims, false
	}
	full := slotMask(d.Depth)
	even := uint32(0x55555555) & full
	odd := uint32(0xAAAAAAAA) & full
	if d.Bitmask&even != 0 && d.Bitmask&odd != 0 {
		return d, claims, false
	}
	next := OffsetDepth{CommonIntervalUsec: d.CommonIntervalUsec, Depth: d.Depth - 1}
	out := make([]SlotClaim, len(claims))
	for i, c := range claims {
		if c.SubDepth > next.Depth {
			return d, claims, false
		}
		c.Bit >>= 1
		c.Width = widthFor(c.DurUsec, next.UnitUsec())
		out[i] = c
	}
	built, ok := next.Rebuild(out)
	if !ok {
		return d, claims, false
	}
	return built, out, true
}

// Grow multiplies the common interval by 1<<by while keeping the offset
// unit, so existing claims start repeating 1<<by more times.
func (d OffsetDepth) Grow(by uint8, claims []SlotClaim) (OffsetDepth, []SlotClaim, error) {
	if int(d.Depth)+int(by) > MaxOffsetDepth {
		return d, claims, fmt.Errorf("%w: growing by %d exceeds depth %d", ErrResolutionExhausted, by, MaxOffsetDepth)
	}
	next := OffsetDepth{CommonIntervalUsec: d.CommonIntervalUsec << by, Depth: d.Depth + by}
	out := make([]SlotClaim, len(claims))
	for i, c := range claims {
		c.SubDepth += by
		out[i] = c
	}
	built, ok := next.Rebuild(out)
	if !ok {
		return d, claims, fmt.Errorf("%w: claims do not fit after growing", ErrResolutionExhausted)
	}
	return built, out, nil
}

// Rotate renumbers the slots so that slot `by` becomes slot 0. The bitmask
// is circular, so the relative placement of all claims is preserved and
// slot 0 moves unit*by later in time. It reports false when the rotated
// claims cannot be rebuilt.
func (d OffsetDepth) Rotate(by uint8, claims []SlotClaim) (OffsetDepth, []SlotClaim, bool) {
	slots := d.Slots()
	out := make([]SlotClaim, len(claims))
	for i, c := range claims {
		spacing := slots >> c.SubDepth
		pos := (int(c.Bit) - int(by)) % spacing
		if pos < 0 {
			pos += spacing
		}
		c.Bit = uint8(pos)
		out[i] = c
	}
	built, ok := d.Rebuild(out)
	if !ok {
		return d, claims, false
	}
	return built, out, true
}

// oddOnly reports whether every claimed slot is odd, in which case Narrow
// moves slot 0 one old unit later.
func (d OffsetDepth) oddOnly() bool {
	return d.Depth > 0 && !d.Empty() && d.Bitmask&uint32(0x55555555)&slotMask(d.Depth) == 0
}

func slotMask(depth uint8) uint32 {
	if depth >= MaxOffsetDepth {
		return ^uint32(0)
	}
	return (uint32(1) << (uint32(1) << depth)) - 1
}

// widthFor is ceil(dur / unit), at least one bit.
func widthFor(durUsec, unitUsec uint32) uint8 {
	if unitUsec == 0 {
		return 0xFF
	}
	w := (uint64(durUsec) + uint64(unitUsec) - 1) / uint64(unitUsec)
	if w == 0 {
		return 1
	}
	if w > 0xFF {
		return 0xFF
	}
	return uint8(w)
}
