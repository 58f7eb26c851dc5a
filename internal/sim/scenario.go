package sim

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/ble-radio-scheduler/core"
)

// Role is the kind of link-layer activity behind a reservation.
type Role string

const (
	RoleConnection Role = "connection"
	RoleSync       Role = "sync"
	RoleIso        Role = "iso"
)

const (
	defaultTickUsec        = 1250
	defaultDurationUsec    = 2_000_000
	defaultFirstOffsetUsec = 1250
	maxDurationUsec        = 60_000_000
)

// Scenario is a scripted set of radio activities run against one scheduler.
type Scenario struct {
	Name string `toml:"name"`
	// DurationUsec is the simulated run length.
	DurationUsec uint64 `toml:"duration_us"`
	// TickUsec is the baseband step between scheduler polls.
	TickUsec uint32 `toml:"tick_us"`
	// StartUsec is the baseband clock value at the start of the run. Values
	// near 2^32 exercise clock wraparound.
	StartUsec uint32 `toml:"start_us"`
	// SetupDelayUsec overrides the radio setup delay when non-zero.
	SetupDelayUsec uint32 `toml:"setup_delay_us"`
	// DefaultOffsetUsec is passed to OffsetUsec for first anchors when there
	// is nothing to anchor against.
	DefaultOffsetUsec uint32 `toml:"default_offset_us"`

	Scheduler    SchedulerConfig   `toml:"scheduler"`
	Reservations []ReservationSpec `toml:"reservation"`
	Links        []LinkSpec        `toml:"link"`
}

// SchedulerConfig overrides core.Config fields. Zero values keep defaults.
type SchedulerConfig struct {
	MaxConnections     int    `toml:"max_connections"`
	MaxPeriodicSyncs   int    `toml:"max_periodic_syncs"`
	MaxIsoGroups       int    `toml:"max_iso_groups"`
	PrefPeriodConnUsec uint32 `toml:"pref_period_conn_us"`
	PrefPeriodSyncUsec uint32 `toml:"pref_period_sync_us"`
	MinOffsetUnitUsec  uint32 `toml:"min_offset_unit_us"`
	UncommonMarginUsec uint32 `toml:"uncommon_margin_us"`
}

// ReservationSpec scripts one reservation: when it is added, optionally
// updated, and removed.
type ReservationSpec struct {
	Name            string      `toml:"name"`
	Role            Role        `toml:"role"`
	Handle          int         `toml:"handle"`
	Preference      string      `toml:"preference"`
	MinIntervalUsec uint32      `toml:"min_interval_us"`
	MaxIntervalUsec uint32      `toml:"max_interval_us"`
	DurationUsec    uint32      `toml:"duration_us"`
	StartUsec       uint64      `toml:"start_us"`
	StopUsec        uint64      `toml:"stop_us"`
	Topology        bool        `toml:"topology"`
	Update          *UpdateSpec `toml:"update"`
}

// UpdateSpec scripts a StartUpdate/CommitUpdate pair.
type UpdateSpec struct {
	AtUsec          uint64 `toml:"at_us"`
	MinIntervalUsec uint32 `toml:"min_interval_us"`
	MaxIntervalUsec uint32 `toml:"max_interval_us"`
	PerfPerUsec     uint32 `toml:"perf_per_us"`
	DurationUsec    uint32 `toml:"duration_us"`
}

// LinkSpec is a topology-only activity, such as a scan window, that holds
// radio time without a reservation.
type LinkSpec struct {
	Name         string `toml:"name"`
	Handle       int    `toml:"handle"`
	IntervalUsec uint32 `toml:"interval_us"`
	DurationUsec uint32 `toml:"duration_us"`
	FirstUsec    uint64 `toml:"first_us"`
	Movable      bool   `toml:"movable"`
}

// LoadScenario reads and validates a TOML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	sc, err := DecodeScenario(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// DecodeScenario reads a TOML scenario from r, applies defaults and
// validates it.
func DecodeScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	md, err := toml.NewDecoder(r).Decode(&sc)
	if err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode scenario: unknown key %q", undecoded[0].String())
	}
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ApplyDefaults fills unset run parameters.
func (sc *Scenario) ApplyDefaults() {
	if sc.Name == "" {
		sc.Name = "unnamed"
	}
	if sc.DurationUsec == 0 {
		sc.DurationUsec = defaultDurationUsec
	}
	if sc.TickUsec == 0 {
		sc.TickUsec = defaultTickUsec
	}
	if sc.DefaultOffsetUsec == 0 {
		sc.DefaultOffsetUsec = defaultFirstOffsetUsec
	}
	for i := range sc.Reservations {
		r := &sc.Reservations[i]
		if r.Role == "" {
			r.Role = RoleConnection
		}
		if r.MaxIntervalUsec == 0 {
			r.MaxIntervalUsec = r.MinIntervalUsec
		}
		if r.Update != nil && r.Update.MaxIntervalUsec == 0 {
			r.Update.MaxIntervalUsec = r.Update.MinIntervalUsec
		}
		if r.Update != nil && r.Update.DurationUsec == 0 {
			r.Update.DurationUsec = r.DurationUsec
		}
	}
}

// CoreConfig merges the scenario overrides into core.DefaultConfig.
func (sc *Scenario) CoreConfig() core.Config {
	cfg := core.DefaultConfig()
	o := sc.Scheduler
	if o.MaxConnections > 0 {
		cfg.MaxConnections = o.MaxConnections
	}
	if o.MaxPeriodicSyncs > 0 {
		cfg.MaxPeriodicSyncs = o.MaxPeriodicSyncs
	}
	if o.MaxIsoGroups > 0 {
		cfg.MaxIsoGroups = o.MaxIsoGroups
	}
	if o.PrefPeriodConnUsec > 0 {
		cfg.PrefPeriodConnUsec = o.PrefPeriodConnUsec
	}
	if o.PrefPeriodSyncUsec > 0 {
		cfg.PrefPeriodSyncUsec = o.PrefPeriodSyncUsec
	}
	if o.MinOffsetUnitUsec > 0 {
		cfg.MinOffsetUnitUsec = o.MinOffsetUnitUsec
	}
	if o.UncommonMarginUsec > 0 {
		cfg.UncommonMarginUsec = o.UncommonMarginUsec
	}
	return cfg
}

// handleRange returns the handles a role may use under cfg.
func handleRange(cfg core.Config, role Role) (lo, hi int, ok bool) {
	switch role {
	case RoleConnection:
		return 0, cfg.MaxConnections, true
	case RoleSync:
		return cfg.MaxConnections, cfg.MaxConnections + cfg.MaxPeriodicSyncs, true
	case RoleIso:
		lo = cfg.MaxConnections + cfg.MaxPeriodicSyncs
		return lo, lo + cfg.MaxIsoGroups, true
	default:
		return 0, 0, false
	}
}

// Validate reports every structural problem of the scenario at once.
func (sc *Scenario) Validate() error {
	var result *multierror.Error
	addf := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if sc.DurationUsec > maxDurationUsec {
		addf("duration_us %d exceeds the %dus limit", sc.DurationUsec, uint64(maxDurationUsec))
	}

	cfg := sc.CoreConfig()
	names := make(map[string]bool)
	rsvHandles := make(map[int]string)
	tmHandles := make(map[int]string)

	for i, r := range sc.Reservations {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("reservation[%d]", i)
			addf("%s: name is required", label)
		} else if names[r.Name] {
			addf("%s: duplicate name", label)
		}
		names[r.Name] = true

		lo, hi, ok := handleRange(cfg, r.Role)
		switch {
		case !ok:
			addf("%s: unknown role %q", label, r.Role)
		case r.Handle < lo || r.Handle >= hi || r.Handle >= cfg.ReservationCapacity():
			addf("%s: handle %d outside the %s range [%d, %d)", label, r.Handle, r.Role, lo, min(hi, cfg.ReservationCapacity()))
		}
		if prev, dup := rsvHandles[r.Handle]; dup {
			addf("%s: handle %d already used by %s", label, r.Handle, prev)
		}
		rsvHandles[r.Handle] = label
		if r.Topology {
			tmHandles[r.Handle] = label
		}

		if _, err := core.ParsePreference(r.Preference); err != nil {
			addf("%s: %v", label, err)
		}
		if r.MinIntervalUsec == 0 || r.MaxIntervalUsec < r.MinIntervalUsec {
			addf("%s: invalid interval range [%d, %d]us", label, r.MinIntervalUsec, r.MaxIntervalUsec)
		}
		if r.DurationUsec == 0 {
			addf("%s: duration_us must be positive", label)
		}
		if r.StopUsec != 0 && r.StopUsec <= r.StartUsec {
			addf("%s: stop_us %d is not after start_us %d", label, r.StopUsec, r.StartUsec)
		}
		if u := r.Update; u != nil {
			if u.AtUsec <= r.StartUsec || (r.StopUsec != 0 && u.AtUsec >= r.StopUsec) {
				addf("%s: update.at_us %d outside the reservation lifetime", label, u.AtUsec)
			}
			if u.MinIntervalUsec == 0 || u.MaxIntervalUsec < u.MinIntervalUsec {
				addf("%s: invalid update interval range [%d, %d]us", label, u.MinIntervalUsec, u.MaxIntervalUsec)
			}
		}
	}

	for i, l := range sc.Links {
		label := l.Name
		if label == "" {
			label = fmt.Sprintf("link[%d]", i)
			addf("%s: name is required", label)
		} else if names[l.Name] {
			addf("%s: duplicate name", label)
		}
		names[l.Name] = true

		if l.Handle < 0 || l.Handle >= cfg.TopologyCapacity() {
			addf("%s: handle %d outside the topology range [0, %d)", label, l.Handle, cfg.TopologyCapacity())
		}
		if prev, dup := tmHandles[l.Handle]; dup {
			addf("%s: topology handle %d already used by %s", label, l.Handle, prev)
		}
		tmHandles[l.Handle] = label
		if l.IntervalUsec == 0 || l.DurationUsec == 0 {
			addf("%s: interval_us and duration_us must be positive", label)
		}
	}

	return result.ErrorOrNil()
}

// eventKind orders events that fall on the same tick: removals free
// capacity before additions claim it.
type eventKind int

const (
	eventRemove eventKind = iota
	eventUpdate
	eventAdd
)

func (k eventKind) String() string {
	switch k {
	case eventRemove:
		return "remove"
	case eventUpdate:
		return "update"
	default:
		return "add"
	}
}

type scriptEvent struct {
	atUsec uint64
	kind   eventKind
	rsv    int
}

// script flattens the reservation lifetimes into a time-ordered event list.
func (sc *Scenario) script() []scriptEvent {
	var events []scriptEvent
	for i, r := range sc.Reservations {
		events = append(events, scriptEvent{atUsec: r.StartUsec, kind: eventAdd, rsv: i})
		if r.Update != nil {
			events = append(events, scriptEvent{atUsec: r.Update.AtUsec, kind: eventUpdate, rsv: i})
		}
		if r.StopUsec != 0 {
			events = append(events, scriptEvent{atUsec: r.StopUsec, kind: eventRemove, rsv: i})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].atUsec != events[j].atUsec {
			return events[i].atUsec < events[j].atUsec
		}
		return events[i].kind < events[j].kind
	})
	return events
}
