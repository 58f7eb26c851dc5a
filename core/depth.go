package core

import "sort"

// CalculateDepth returns how many halvings turn large into small, using the
// default offset-unit floor. See Config.CalculateDepth.
func CalculateDepth(large, small uint32) uint8 {
	return DefaultConfig().CalculateDepth(large, small)
}

// CalculateDepth repeatedly halves large until it equals small, giving up
// after MaxSearchDepth halvings or once large drops below MinOffsetUnitUsec.
//
// The result 0 means either "equal" or "no relationship"; use
// PowerOfTwoDepth when the two must be told apart.
func (c Config) CalculateDepth(large, small uint32) uint8 {
	var depth uint8
	for large > small && depth < MaxSearchDepth {
		large >>= 1
		depth++
		if large < c.MinOffsetUnitUsec {
			return 0
		}
	}
	if large == small {
		return depth
	}
	return 0
}

// PowerOfTwoDepth reports whether large == small << depth for some depth in
// [0, MaxSearchDepth], and returns that depth.
func (c Config) PowerOfTwoDepth(large, small uint32) (uint8, bool) {
	if large == 0 || small == 0 {
		return 0, false
	}
	if large == small {
		return 0, true
	}
	depth := c.CalculateDepth(large, small)
	if depth == 0 || small<<depth != large {
		return 0, false
	}
	return depth, true
}

// related reports whether a and b share a power-of-two relationship in
// either direction.
func (c Config) related(a, b uint32) bool {
	if _, ok := c.PowerOfTwoDepth(a, b); ok {
		return true
	}
	_, ok := c.PowerOfTwoDepth(b, a)
	return ok
}

// SortDescending orders values from largest to smallest in place.
func SortDescending(values []uint32) {
	sort.Slice(values, func(i, j int) bool {
		return values[i] > values[j]
	})
}
