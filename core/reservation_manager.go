package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/ble-radio-scheduler/internal/logging"
)

type reservation struct {
	intervalUsec  uint32
	durUsec       uint32
	offsetBit     uint8
	width         uint8
	subDepth      uint8
	commonIntUsed bool
	src           TimeSource
}

func (r reservation) active() bool { return r.intervalUsec != 0 }

func (r reservation) claim(h Handle) SlotClaim {
	return SlotClaim{Handle: h, Bit: r.offsetBit, Width: r.width, SubDepth: r.subDepth, DurUsec: r.durUsec}
}

// rmState is copied by value so that every mutation can be staged and
// dropped on failure.
type rmState struct {
	layout         OffsetDepth
	refHandle      Handle
	numRsv         int
	numUncommon    int
	uncommonCursor int
	rsv            [MaxReservations]reservation

	// frameUsec is a baseband time at which slot 0 of the common interval
	// begins. Offsets are measured from it, not from the reference's latest
	// anchor, which may repeat several times per common interval.
	frameUsec uint32
	frameSet  bool
}

func newRMState() rmState {
	return rmState{refHandle: NoHandle}
}

// frameOrigin returns the slot-0 time of the common interval. It is pinned
// to the reference's anchor the first time it is needed.
func (s *rmState) frameOrigin() (uint32, bool) {
	if s.frameSet {
		return s.frameUsec, true
	}
	if s.refHandle == NoHandle {
		return 0, false
	}
	ref := s.rsv[s.refHandle]
	if ref.src == nil {
		return 0, false
	}
	s.frameUsec = ref.src.AnchorUsec(s.refHandle, nil)
	s.frameSet = true
	return s.frameUsec, true
}

func (s *rmState) claims() []SlotClaim {
	out := make([]SlotClaim, 0, s.numRsv)
	for i, r := range s.rsv {
		if r.active() && r.commonIntUsed {
			out = append(out, r.claim(Handle(i)))
		}
	}
	return out
}

func (s *rmState) applyClaims(claims []SlotClaim) {
	for _, c := range claims {
		r := &s.rsv[c.Handle]
		r.offsetBit = c.Bit
		r.width = c.Width
		r.subDepth = c.SubDepth
	}
}

func (s *rmState) capacityUsed(cfg Config, exclude Handle) int {
	total := 0
	for i, r := range s.rsv {
		if r.active() && Handle(i) != exclude {
			total += cfg.CapacityCostPercent(r.intervalUsec)
		}
	}
	return total
}

// rmTxn stages a mutation plus the depth transitions it performed.
type rmTxn struct {
	st          rmState
	transitions []string
}

func (t *rmTxn) note(kind string) { t.transitions = append(t.transitions, kind) }

// ReservationInfo is a read-only view of one reservation.
type ReservationInfo struct {
	Handle             Handle
	IntervalUsec       uint32
	DurUsec            uint32
	OffsetBit          uint8
	Width              uint8
	SubDepth           uint8
	CommonIntervalUsed bool
}

// ReservationManager owns the bitmask-based offset allocation for every
// periodic reservation of one radio.
type ReservationManager struct {
	cfg     Config
	bb      Baseband
	tm      *TopologyManager
	log     logging.Logger
	metrics MetricsRecorder

	state rmState
}

// NewReservationManager constructs an initialised manager. tm may be nil, in
// which case first anchors fall back to the caller's default offset and no
// topology conflicts are checked.
func NewReservationManager(cfg Config, bb Baseband, tm *TopologyManager, opts ...Option) *ReservationManager {
	o := buildOptions(opts)
	m := &ReservationManager{
		cfg:     cfg.ApplyDefaults(),
		bb:      bb,
		tm:      tm,
		log:     o.log.With(logging.String("component", "rm")),
		metrics: o.metrics,
	}
	m.Init()
	return m
}

// Init drops every reservation.
func (m *ReservationManager) Init() {
	m.state = newRMState()
	m.publish()
}

// Add reserves radio time for h. The interval is chosen in [minUsec,
// maxUsec] according to pref and returned on success. On failure no state
// changes.
func (m *ReservationManager) Add(h Handle, pref Preference, minUsec, maxUsec, durUsec uint32, src TimeSource) (uint32, error) {
	if err := m.validate(h, minUsec, maxUsec); err != nil {
		return 0, m.reject("add", h, err)
	}
	if src == nil {
		return 0, m.reject("add", h, ErrNoTimeSource)
	}
	if m.state.rsv[h].active() {
		return 0, m.reject("add", h, fmt.Errorf("%w: %s", ErrHandleInUse, h))
	}

	txn := &rmTxn{st: m.state}
	interval, err := m.place(txn, h, pref, minUsec, maxUsec, m.cfg.basePeriodUsec(h), durUsec, src)
	if err != nil {
		return 0, m.reject("add", h, err)
	}
	m.commit(txn)
	m.log.Debug(context.Background(), "reservation added",
		logging.Int("handle", int(h)),
		logging.Uint32("interval_us", interval),
		logging.Uint32("duration_us", durUsec),
		logging.String("layout", m.state.layout.String()),
	)
	return interval, nil
}

// StartUpdate re-selects h's interval with the performance policy,
// quantised to perfPerUsec when non-zero, and re-commits it immediately.
// Any failure leaves the previous allocation in place.
func (m *ReservationManager) StartUpdate(h Handle, minUsec, maxUsec, perfPerUsec, durUsec uint32) (uint32, error) {
	if err := m.validate(h, minUsec, maxUsec); err != nil {
		return 0, m.reject("update", h, err)
	}
	cur := m.state.rsv[h]
	if !cur.active() {
		return 0, m.reject("update", h, fmt.Errorf("%w: %s has no reservation", ErrInvalidHandle, h))
	}
	base := perfPerUsec
	if base == 0 {
		base = m.cfg.basePeriodUsec(h)
	}

	txn := &rmTxn{st: m.state}
	m.release(txn, h)
	interval, err := m.place(txn, h, PreferPerformance, minUsec, maxUsec, base, durUsec, cur.src)
	if err != nil {
		return 0, m.reject("update", h, err)
	}
	m.commit(txn)
	m.log.Debug(context.Background(), "reservation updated",
		logging.Int("handle", int(h)),
		logging.Uint32("interval_us", interval),
		logging.Uint32("duration_us", durUsec),
	)
	return interval, nil
}

// CommitUpdate completes a StartUpdate. The allocation is already committed
// by StartUpdate, so this only validates the handle.
func (m *ReservationManager) CommitUpdate(h Handle) error {
	return m.validateHandle(h)
}

// Remove frees h's reservation. Removing an inactive handle is a no-op.
func (m *ReservationManager) Remove(h Handle) error {
	if err := m.validateHandle(h); err != nil {
		return err
	}
	if !m.state.rsv[h].active() {
		return nil
	}
	txn := &rmTxn{st: m.state}
	m.release(txn, h)
	m.commit(txn)
	m.log.Debug(context.Background(), "reservation removed",
		logging.Int("handle", int(h)),
		logging.String("layout", m.state.layout.String()),
	)
	return nil
}

// OffsetUsec returns the distance from refTime to h's next anchor, in
// (0, interval]. defOffsUsec is used when there is nothing to anchor
// against.
//
// Uncommon reservations are placed after a round-robin sibling plus setup
// delay and margin. That placement is best-effort and may collide.
func (m *ReservationManager) OffsetUsec(defOffsUsec uint32, h Handle, refTime uint32) (uint32, error) {
	if err := m.validateHandle(h); err != nil {
		return 0, err
	}
	r := m.state.rsv[h]
	if !r.active() {
		return defOffsUsec, nil
	}
	if m.state.numRsv == 1 {
		if m.tm == nil {
			return defOffsUsec, nil
		}
		return m.tm.FirstAnchorOffsetUsec(refTime, defOffsUsec, r.intervalUsec, r.durUsec), nil
	}

	var target uint32
	if r.commonIntUsed {
		frame, ok := m.state.frameOrigin()
		if !ok {
			return defOffsUsec, nil
		}
		common := m.state.layout.CommonIntervalUsec
		if ahead := signedDeltaUsec(m.bb, refTime, frame); ahead >= int64(common) {
			frame += uint32(ahead / int64(common) * int64(common))
			m.state.frameUsec = frame
		}
		target = frame + m.state.layout.UnitUsec()*uint32(r.offsetBit)
	} else {
		sib, ok := m.nextUncommonSibling(h)
		if !ok {
			return defOffsUsec, nil
		}
		sr := m.state.rsv[sib]
		dur := sr.durUsec
		anchor := sr.src.AnchorUsec(sib, &dur)
		target = anchor + dur + m.bb.SetupDelayUsec() + m.cfg.UncommonMarginUsec
	}
	return normalizeOffset(m.bb, target, refTime, r.intervalUsec), nil
}

// CalcCommonPeriodicityUsec picks the base period two sides agree on: the
// peer's when it is a multiple of the local connection period, otherwise the
// local one.
func (m *ReservationManager) CalcCommonPeriodicityUsec(peerPeriodicityUsec uint32) uint32 {
	local := m.cfg.PrefPeriodConnUsec
	if peerPeriodicityUsec != 0 && peerPeriodicityUsec%local == 0 {
		return peerPeriodicityUsec
	}
	return local
}

// Reservation returns the current record for h.
func (m *ReservationManager) Reservation(h Handle) (ReservationInfo, bool) {
	if m.validateHandle(h) != nil || !m.state.rsv[h].active() {
		return ReservationInfo{}, false
	}
	r := m.state.rsv[h]
	return ReservationInfo{
		Handle:             h,
		IntervalUsec:       r.intervalUsec,
		DurUsec:            r.durUsec,
		OffsetBit:          r.offsetBit,
		Width:              r.width,
		SubDepth:           r.subDepth,
		CommonIntervalUsed: r.commonIntUsed,
	}, true
}

// Layout returns the current offset-depth descriptor.
func (m *ReservationManager) Layout() OffsetDepth { return m.state.layout }

// ReferenceHandle returns the owner of bit 0, or NoHandle.
func (m *ReservationManager) ReferenceHandle() Handle { return m.state.refHandle }

// NumActive returns the number of active reservations.
func (m *ReservationManager) NumActive() int { return m.state.numRsv }

// NumUncommon returns the number of reservations outside the bitmask.
func (m *ReservationManager) NumUncommon() int { return m.state.numUncommon }

// CapacityUsedPercent returns the summed capacity cost of all reservations.
func (m *ReservationManager) CapacityUsedPercent() int {
	return m.state.capacityUsed(m.cfg, NoHandle)
}

func (m *ReservationManager) validateHandle(h Handle) error {
	if int(h) >= m.cfg.ReservationCapacity() {
		return fmt.Errorf("%w: reservation handle %d (capacity %d)", ErrInvalidHandle, h, m.cfg.ReservationCapacity())
	}
	return nil
}

func (m *ReservationManager) validate(h Handle, minUsec, maxUsec uint32) error {
	if err := m.validateHandle(h); err != nil {
		return err
	}
	if minUsec == 0 || maxUsec < minUsec {
		return fmt.Errorf("%w: [%d, %d]us", ErrInvalidInterval, minUsec, maxUsec)
	}
	return nil
}

// place selects an interval, checks capacity and allocates h inside txn.
// h must not be active in txn.
func (m *ReservationManager) place(txn *rmTxn, h Handle, pref Preference, minUsec, maxUsec, baseUsec, durUsec uint32, src TimeSource) (uint32, error) {
	interval := m.chooseInterval(&txn.st, pref, minUsec, maxUsec, baseUsec)
	if used := txn.st.capacityUsed(m.cfg, h) + m.cfg.CapacityCostPercent(interval); used >= 100 {
		return 0, fmt.Errorf("%w: %d%% with interval %dus", ErrCapacityExceeded, used, interval)
	}
	if err := m.allocateInterval(txn, h, interval, durUsec, src); err != nil {
		return 0, err
	}
	return interval, nil
}

// chooseInterval prefers an interval already in use, then a power-of-two
// relative of the common interval, then the quantised preference.
func (m *ReservationManager) chooseInterval(st *rmState, pref Preference, minUsec, maxUsec, baseUsec uint32) uint32 {
	preferred := selectPreferredInterval(pref, minUsec, maxUsec, baseUsec)

	existing := make([]uint32, 0, st.numRsv)
	seen := make(map[uint32]bool, st.numRsv)
	for _, r := range st.rsv {
		if r.active() && !seen[r.intervalUsec] {
			seen[r.intervalUsec] = true
			existing = append(existing, r.intervalUsec)
		}
	}
	SortDescending(existing)
	for _, v := range existing {
		if v >= preferred && v <= maxUsec {
			return v
		}
	}

	common := st.layout.CommonIntervalUsec
	if common == 0 || m.cfg.related(preferred, common) {
		return preferred
	}
	if v, ok := m.cfg.commonRelative(common, pref, minUsec, maxUsec); ok {
		return v
	}
	return preferred
}

func (m *ReservationManager) allocateInterval(txn *rmTxn, h Handle, interval, durUsec uint32, src TimeSource) error {
	st := &txn.st
	r := reservation{intervalUsec: interval, durUsec: durUsec, src: src}

	switch {
	case st.layout.Empty():
		if interval < m.cfg.MinOffsetUnitUsec {
			return fmt.Errorf("%w: interval %dus below offset unit floor %dus", ErrResolutionExhausted, interval, m.cfg.MinOffsetUnitUsec)
		}
		st.layout = OffsetDepth{CommonIntervalUsec: interval, Bitmask: 1}
		r.commonIntUsed = true
		r.width = 1
		st.refHandle = h
		st.frameSet = false
		txn.note("init")
	default:
		common := st.layout.CommonIntervalUsec
		if up, ok := m.cfg.PowerOfTwoDepth(interval, common); ok {
			if up > 0 {
				// Pin the frame while the reference still repeats once
				// per common interval.
				st.frameOrigin()
				layout, claims, err := st.layout.Grow(up, st.claims())
				if err != nil {
					return err
				}
				st.layout = layout
				st.applyClaims(claims)
				txn.note("grow")
			}
			if err := m.allocateBits(txn, h, &r, 0); err != nil {
				return err
			}
		} else if down, ok := m.cfg.PowerOfTwoDepth(common, interval); ok {
			if err := m.allocateBits(txn, h, &r, down); err != nil {
				return err
			}
		} else {
			st.numUncommon++
		}
	}

	st.rsv[h] = r
	st.numRsv++
	return nil
}

// allocateBits finds a free bit group for r repeating 1<<subDepth times per
// common interval, widening the depth between attempts.
func (m *ReservationManager) allocateBits(txn *rmTxn, h Handle, r *reservation, subDepth uint8) error {
	st := &txn.st
	layout := st.layout
	claims := st.claims()

	var err error
	for layout.Depth < subDepth {
		if layout, claims, err = layout.Widen(claims, m.cfg.MinOffsetUnitUsec); err != nil {
			return err
		}
		txn.note("widen")
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		if attempt > 0 {
			if layout, claims, err = layout.Widen(claims, m.cfg.MinOffsetUnitUsec); err != nil {
				return err
			}
			txn.note("widen")
		}
		claim, ok := m.findFree(st, layout, h, r, subDepth)
		if !ok {
			continue
		}
		layout.Bitmask |= layout.Occupancy(claim)
		st.layout = layout
		st.applyClaims(claims)
		r.commonIntUsed = true
		r.offsetBit = claim.Bit
		r.width = claim.Width
		r.subDepth = claim.SubDepth
		return nil
	}
	return fmt.Errorf("%w: no free offset for %dus after %d attempts", ErrResolutionExhausted, r.intervalUsec, maxAllocAttempts)
}

func (m *ReservationManager) findFree(st *rmState, layout OffsetDepth, h Handle, r *reservation, subDepth uint8) (SlotClaim, bool) {
	width := widthFor(r.durUsec, layout.UnitUsec())
	spacing := layout.Slots() >> subDepth
	if int(width) > spacing {
		return SlotClaim{}, false
	}
	for p := 0; p < spacing; p++ {
		c := SlotClaim{Handle: h, Bit: uint8(p), Width: width, SubDepth: subDepth, DurUsec: r.durUsec}
		if layout.Bitmask&layout.Occupancy(c) != 0 {
			continue
		}
		if subDepth > 0 && m.topologyConflict(st, layout, c, r) {
			continue
		}
		return c, true
	}
	return SlotClaim{}, false
}

// topologyConflict tests the first occurrence of c against the Topology
// Manager, measured from the common-interval frame.
func (m *ReservationManager) topologyConflict(st *rmState, layout OffsetDepth, c SlotClaim, r *reservation) bool {
	if m.tm == nil {
		return false
	}
	frame, ok := st.frameOrigin()
	if !ok {
		return false
	}
	begin := frame + layout.UnitUsec()*uint32(c.Bit)
	return m.tm.CheckConflict(begin, r.intervalUsec, r.durUsec)
}

// release frees h inside txn, then narrows the depth and re-elects the
// reference as far as the remaining reservations allow.
func (m *ReservationManager) release(txn *rmTxn, h Handle) {
	st := &txn.st
	r := st.rsv[h]
	if r.commonIntUsed {
		st.layout.Bitmask &^= st.layout.Occupancy(r.claim(h))
	} else {
		st.numUncommon--
	}
	st.rsv[h] = reservation{}
	st.numRsv--

	if !r.commonIntUsed {
		return
	}
	if st.layout.Bitmask == 0 {
		st.layout = OffsetDepth{}
		st.refHandle = NoHandle
		st.frameSet = false
		txn.note("reset")
		return
	}

	// Slot 0 moves later on an odd narrowing and on a rotation; the frame
	// follows it so the survivors keep their time positions.
	layout := st.layout
	claims := st.claims()
	var shiftUsec uint32
	for {
		for {
			odd, unit := layout.oddOnly(), layout.UnitUsec()
			next, nc, ok := layout.Narrow(claims)
			if !ok {
				break
			}
			if odd {
				shiftUsec += unit
			}
			layout, claims = next, nc
			txn.note("narrow")
		}
		if _, ok := bitZeroOwner(claims); ok {
			break
		}
		by := lowestBit(claims)
		next, nc, ok := layout.Rotate(by, claims)
		if !ok {
			break
		}
		shiftUsec += layout.UnitUsec() * uint32(by)
		layout, claims = next, nc
		txn.note("rotate")
	}
	st.layout = layout
	st.applyClaims(claims)
	st.refHandle, _ = bitZeroOwner(claims)
	st.frameUsec += shiftUsec
}

func bitZeroOwner(claims []SlotClaim) (Handle, bool) {
	for _, c := range claims {
		if c.Bit == 0 {
			return c.Handle, true
		}
	}
	return NoHandle, false
}

func lowestBit(claims []SlotClaim) uint8 {
	low := uint8(0xFF)
	for _, c := range claims {
		if c.Bit < low {
			low = c.Bit
		}
	}
	return low
}

// nextUncommonSibling walks the round-robin position over the other
// uncommon reservations, falling back to the reference.
func (m *ReservationManager) nextUncommonSibling(h Handle) (Handle, bool) {
	st := &m.state
	sibs := make([]Handle, 0, st.numUncommon)
	for i, r := range st.rsv {
		if Handle(i) != h && r.active() && !r.commonIntUsed && r.src != nil {
			sibs = append(sibs, Handle(i))
		}
	}
	if len(sibs) == 0 {
		if st.refHandle == NoHandle || st.refHandle == h {
			return NoHandle, false
		}
		return st.refHandle, true
	}
	sib := sibs[st.uncommonCursor%len(sibs)]
	st.uncommonCursor++
	return sib, true
}

func (m *ReservationManager) commit(txn *rmTxn) {
	m.state = txn.st
	for _, kind := range txn.transitions {
		m.metrics.IncDepthTransitions(kind)
		m.log.Debug(context.Background(), "offset layout transition",
			logging.String("kind", kind),
			logging.String("layout", m.state.layout.String()),
		)
	}
	m.publish()
}

func (m *ReservationManager) reject(op string, h Handle, err error) error {
	m.metrics.IncRejections(RejectionReason(err))
	m.log.Debug(context.Background(), "reservation rejected",
		logging.String("op", op),
		logging.Int("handle", int(h)),
		logging.Err(err),
	)
	return err
}

func (m *ReservationManager) publish() {
	m.metrics.SetReservationCounts(m.state.numRsv, m.state.numUncommon)
	m.metrics.SetOffsetLayout(m.state.layout.CommonIntervalUsec, m.state.layout.Depth)
	m.metrics.SetCapacityUsed(m.CapacityUsedPercent())
}
