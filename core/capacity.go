package core

import "math"

// capacityRatioPct is the radio share charged per reservation, indexed by
// how many doublings of PrefPeriodConnUsec its interval needs. The last entry
// covers everything longer.
var capacityRatioPct = [...]int{50, 25, 17, 13, 10, 5, 1}

// CapacityCostPercent returns the capacity share of one reservation with the
// given interval.
func (c Config) CapacityCostPercent(intervalUsec uint32) int {
	idx := 0
	thresh := uint64(c.PrefPeriodConnUsec)
	for uint64(intervalUsec) > thresh && idx < len(capacityRatioPct)-1 {
		thresh <<= 1
		idx++
	}
	return capacityRatioPct[idx]
}

// selectPreferredInterval quantises the requested range to the base period.
func selectPreferredInterval(pref Preference, minUsec, maxUsec, baseUsec uint32) uint32 {
	if baseUsec == 0 {
		if pref == PreferCapacity {
			return maxUsec
		}
		return minUsec
	}
	switch pref {
	case PreferCapacity:
		v := maxUsec / baseUsec * baseUsec
		if v >= minUsec && v > 0 {
			return v
		}
		return maxUsec
	default:
		v := (uint64(minUsec) + uint64(baseUsec) - 1) / uint64(baseUsec) * uint64(baseUsec)
		if v <= uint64(maxUsec) {
			return uint32(v)
		}
		return minUsec
	}
}

// commonRelative finds a power-of-two multiple or divisor of common inside
// [minUsec, maxUsec]: the largest one for capacity, the smallest otherwise.
func (c Config) commonRelative(common uint32, pref Preference, minUsec, maxUsec uint32) (uint32, bool) {
	var best uint32
	found := false
	consider := func(v uint32) {
		if v < minUsec || v > maxUsec || v < c.MinOffsetUnitUsec {
			return
		}
		if !found || (pref == PreferCapacity && v > best) || (pref != PreferCapacity && v < best) {
			best, found = v, true
		}
	}
	for k := uint8(0); k <= MaxSearchDepth; k++ {
		if up := uint64(common) << k; up <= math.MaxUint32 {
			consider(uint32(up))
		}
		if common%(1<<k) == 0 {
			consider(common >> k)
		}
	}
	return best, found
}
