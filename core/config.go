package core

const (
	// MaxReservations bounds the reservation table and the bitmask width.
	MaxReservations = 32
	// MaxOffsetDepth is log2 of the widest bitmask (32 slots).
	MaxOffsetDepth = 5
	// MaxSearchDepth bounds the power-of-two search in CalculateDepth.
	MaxSearchDepth = 5
	// maxAllocAttempts is the number of bit-group searches per add, with the
	// depth widened by one between attempts.
	maxAllocAttempts = 3
)

// Config holds the per-radio scheduling constants.
type Config struct {
	// MaxConnections is the number of connection handles. Reservation
	// handles below this value use PrefPeriodConnUsec as base periodicity.
	// Default: 8
	MaxConnections int
	// MaxPeriodicSyncs is the number of periodic-sync handles following
	// the connection handles.
	// Default: 4
	MaxPeriodicSyncs int
	// MaxIsoGroups is the number of isochronous group handles following
	// the periodic-sync handles.
	// Default: 4
	MaxIsoGroups int

	// PrefPeriodConnUsec is the preferred base periodicity for connections.
	// It is also the baseline for capacity buckets.
	// Default: 10000
	PrefPeriodConnUsec uint32
	// PrefPeriodSyncUsec is the preferred base periodicity for syncs and
	// isochronous groups.
	// Default: 40000
	PrefPeriodSyncUsec uint32
	// MinOffsetUnitUsec is the hardware floor for commonInterval >> depth.
	// Default: 2500
	MinOffsetUnitUsec uint32
	// UncommonMarginUsec is the safety margin placed after a sibling when
	// positioning an uncommon reservation.
	// Default: 1000
	UncommonMarginUsec uint32
}

// DefaultConfig returns a Config with the controller's standard constants.
func DefaultConfig() Config {
	return Config{
		MaxConnections:     8,
		MaxPeriodicSyncs:   4,
		MaxIsoGroups:       4,
		PrefPeriodConnUsec: 10000,
		PrefPeriodSyncUsec: 40000,
		MinOffsetUnitUsec:  2500,
		UncommonMarginUsec: 1000,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxPeriodicSyncs < 0 {
		c.MaxPeriodicSyncs = 0
	}
	if c.MaxIsoGroups < 0 {
		c.MaxIsoGroups = 0
	}
	if c.PrefPeriodConnUsec == 0 {
		c.PrefPeriodConnUsec = d.PrefPeriodConnUsec
	}
	if c.PrefPeriodSyncUsec == 0 {
		c.PrefPeriodSyncUsec = d.PrefPeriodSyncUsec
	}
	if c.MinOffsetUnitUsec == 0 {
		c.MinOffsetUnitUsec = d.MinOffsetUnitUsec
	}
	if c.UncommonMarginUsec == 0 {
		c.UncommonMarginUsec = d.UncommonMarginUsec
	}
	return c
}

// TopologyCapacity is the number of topology link handles.
func (c Config) TopologyCapacity() int {
	return c.MaxConnections + c.MaxPeriodicSyncs + c.MaxIsoGroups
}

// ReservationCapacity is the number of valid reservation handles.
func (c Config) ReservationCapacity() int {
	n := c.TopologyCapacity()
	if n > MaxReservations {
		return MaxReservations
	}
	return n
}

// basePeriodUsec returns the quantisation period for a reservation handle.
func (c Config) basePeriodUsec(h Handle) uint32 {
	if int(h) < c.MaxConnections {
		return c.PrefPeriodConnUsec
	}
	return c.PrefPeriodSyncUsec
}
