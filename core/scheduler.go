package core

import "github.com/signalsfoundry/ble-radio-scheduler/internal/logging"

// Option configures a ReservationManager, TopologyManager or Scheduler.
type Option func(*options)

type options struct {
	log     logging.Logger
	metrics MetricsRecorder
}

// WithLogger routes scheduler debug output to l.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetricsRecorder publishes scheduler state to m after every mutation.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: logging.Noop(), metrics: noopRecorder{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Scheduler is the scheduling context of one radio: a Reservation Manager
// and the Topology Manager it consults. It has no internal locking; the
// embedder must serialise every call for a given radio.
type Scheduler struct {
	Config Config
	RM     *ReservationManager
	TM     *TopologyManager
}

// NewScheduler builds an initialised scheduler for one radio.
func NewScheduler(cfg Config, bb Baseband, opts ...Option) *Scheduler {
	cfg = cfg.ApplyDefaults()
	tm := NewTopologyManager(cfg, bb, opts...)
	rm := NewReservationManager(cfg, bb, tm, opts...)
	return &Scheduler{Config: cfg, RM: rm, TM: tm}
}

// Init resets both managers.
func (s *Scheduler) Init() {
	s.TM.Init()
	s.RM.Init()
}
