package core

import "math"

// signedDeltaUsec returns t - ref as a signed value, using the baseband's
// wraparound-safe forward distance.
func signedDeltaUsec(bb Baseband, t, ref uint32) int64 {
	delta := bb.TimeDeltaUsec(t, ref)
	if delta > math.MaxInt32 {
		return int64(delta) - (1 << 32)
	}
	return int64(delta)
}

// normalizeOffset moves target by whole intervals until it lies in
// (0, interval] after refTime and returns that distance.
func normalizeOffset(bb Baseband, target, refTime, intervalUsec uint32) uint32 {
	if intervalUsec == 0 {
		return 0
	}
	delta := signedDeltaUsec(bb, target, refTime)
	if delta > 0 {
		return uint32((delta-1)%int64(intervalUsec)) + 1
	}
	behind := uint32(-delta) % intervalUsec
	return intervalUsec - behind
}
