package sim

import (
	"context"
	"fmt"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/signalsfoundry/ble-radio-scheduler/core"
	"github.com/signalsfoundry/ble-radio-scheduler/internal/logging"
	"github.com/signalsfoundry/ble-radio-scheduler/internal/observability"
	"github.com/signalsfoundry/ble-radio-scheduler/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the base logger. Each run annotates it with a run_id.
func WithLogger(l logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetricsRecorder forwards scheduler state to m.
func WithMetricsRecorder(m core.MetricsRecorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithOperationCollector records every scheduler call in c.
func WithOperationCollector(c *observability.OperationCollector) Option {
	return func(r *Runner) { r.ops = c }
}

// WithTracer emits run and operation spans through t.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithRealTime paces the run against c instead of running as fast as
// possible. A nil c uses the system clock.
func WithRealTime(c clock.Clock) Option {
	return func(r *Runner) {
		r.mode = timectrl.RealTime
		r.clk = c
	}
}

// Runner drives one scheduler through a scenario, using a BasebandClock
// listener as the single goroutine that calls into the scheduler.
type Runner struct {
	sc      *Scenario
	cfg     core.Config
	log     logging.Logger
	metrics core.MetricsRecorder
	ops     *observability.OperationCollector
	tracer  trace.Tracer
	mode    timectrl.Mode
	clk     clock.Clock
}

// NewRunner validates sc and prepares a runner for it.
func NewRunner(sc *Scenario, opts ...Option) (*Runner, error) {
	if sc == nil {
		return nil, fmt.Errorf("scenario is nil")
	}
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	r := &Runner{
		sc:     sc,
		cfg:    sc.CoreConfig(),
		log:    logging.Noop(),
		tracer: observability.Tracer(),
		mode:   timectrl.Accelerated,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// run is the state of one Run call.
type run struct {
	*Runner
	log    logging.Logger
	clock  *timectrl.BasebandClock
	sched  *core.Scheduler
	acts   []*activity
	links  []*activity
	script []scriptEvent
	cursor int
	events []occurrence
	report *Report
}

// Run executes the scenario and returns its report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	ctx, log := logging.WithRunLogger(ctx, r.log)
	ctx, span := r.tracer.Start(ctx, "sim.run", trace.WithAttributes(
		attribute.String("scenario", r.sc.Name),
		attribute.Int("reservations", len(r.sc.Reservations)),
		attribute.Int("links", len(r.sc.Links)),
	))
	defer span.End()

	var clockOpts []timectrl.Option
	if r.sc.SetupDelayUsec != 0 {
		clockOpts = append(clockOpts, timectrl.WithSetupDelayUsec(r.sc.SetupDelayUsec))
	}
	if r.clk != nil {
		clockOpts = append(clockOpts, timectrl.WithClock(r.clk))
	}
	tick := time.Duration(r.sc.TickUsec) * time.Microsecond
	bc := timectrl.NewBasebandClock(r.sc.StartUsec, tick, r.mode, clockOpts...)

	st := &run{
		Runner: r,
		log:    log,
		clock:  bc,
		sched:  core.NewScheduler(r.cfg, bc, core.WithLogger(log), core.WithMetricsRecorder(r.metrics)),
		script: r.sc.script(),
		report: &Report{
			RunID:        logging.RunIDFromContext(ctx),
			Scenario:     r.sc.Name,
			DurationUsec: r.sc.DurationUsec,
		},
	}
	if err := st.registerLinks(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, spec := range r.sc.Reservations {
		st.acts = append(st.acts, &activity{
			name:      spec.Name,
			handle:    core.Handle(spec.Handle),
			topology:  spec.Topology,
			startUsec: r.sc.StartUsec,
		})
	}

	log.Info(ctx, "scenario started",
		logging.String("scenario", r.sc.Name),
		logging.Uint32("start_us", r.sc.StartUsec),
		logging.Any("duration_us", r.sc.DurationUsec),
	)

	st.step(ctx, 0)
	bc.AddListener(func(now uint32) {
		st.step(ctx, int64(bc.TimeDeltaUsec(now, r.sc.StartUsec)))
	})
	<-bc.Start(ctx, time.Duration(r.sc.DurationUsec)*time.Microsecond)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("scenario %q: %w", r.sc.Name, err)
	}

	st.finish()
	span.SetAttributes(
		attribute.Int("events", st.report.Events),
		attribute.Int("rejections", len(st.report.Rejections)),
		attribute.Int("collisions.bitmask", st.report.Collisions.Bitmask),
	)
	log.Info(ctx, "scenario finished",
		logging.String("scenario", r.sc.Name),
		logging.Int("events", st.report.Events),
		logging.Int("rejections", len(st.report.Rejections)),
		logging.Int("bitmask_collisions", st.report.Collisions.Bitmask),
		logging.Int("uncommon_collisions", st.report.Collisions.Uncommon),
		logging.Int("topology_collisions", st.report.Collisions.Topology),
	)
	return st.report, nil
}

func (st *run) registerLinks(ctx context.Context) error {
	for _, l := range st.sc.Links {
		a := &activity{
			name:         l.Name,
			handle:       core.Handle(l.Handle),
			topology:     true,
			link:         true,
			startUsec:    st.sc.StartUsec,
			intervalUsec: l.IntervalUsec,
			durUsec:      l.DurationUsec,
		}
		a.anchorAt(int64(l.FirstUsec))
		if err := st.sched.TM.Add(a.handle, l.IntervalUsec, l.DurationUsec, l.Movable, a); err != nil {
			return fmt.Errorf("register link %s: %w", l.Name, err)
		}
		st.links = append(st.links, a)
		st.log.Debug(ctx, "topology link registered",
			logging.String("link", l.Name),
			logging.Int("handle", l.Handle),
			logging.Uint32("interval_us", l.IntervalUsec),
		)
	}
	return nil
}

// step records the radio events up to elapsed and then applies the due
// scenario events.
func (st *run) step(ctx context.Context, elapsed int64) {
	for _, a := range st.links {
		a.due(elapsed, st.record)
	}
	for _, a := range st.acts {
		a.due(elapsed, st.record)
	}
	for st.cursor < len(st.script) && st.script[st.cursor].atUsec <= uint64(elapsed) {
		ev := st.script[st.cursor]
		st.cursor++
		st.apply(ctx, ev, elapsed)
	}
}

func (st *run) record(o occurrence) {
	st.events = append(st.events, o)
}

func (st *run) apply(ctx context.Context, ev scriptEvent, elapsed int64) {
	spec := st.sc.Reservations[ev.rsv]
	a := st.acts[ev.rsv]
	if ev.kind != eventAdd && !a.active {
		st.log.Debug(ctx, "skipping event for inactive reservation",
			logging.String("reservation", spec.Name),
			logging.String("op", ev.kind.String()),
		)
		return
	}

	ctx, span := st.tracer.Start(ctx, "rm."+ev.kind.String(), trace.WithAttributes(
		attribute.String("reservation", spec.Name),
		attribute.Int("handle", spec.Handle),
		attribute.String("role", string(spec.Role)),
		attribute.Int64("elapsed_us", elapsed),
	))
	defer span.End()
	st.ops.SetClock(st.clock.Now())

	switch ev.kind {
	case eventAdd:
		st.add(ctx, span, spec, a, elapsed)
	case eventUpdate:
		st.update(ctx, span, spec, a, elapsed)
	case eventRemove:
		st.remove(ctx, span, spec, a)
	}
}

func (st *run) add(ctx context.Context, span trace.Span, spec ReservationSpec, a *activity, elapsed int64) {
	pref, _ := core.ParsePreference(spec.Preference)
	begin := time.Now()
	interval, err := st.sched.RM.Add(a.handle, pref, spec.MinIntervalUsec, spec.MaxIntervalUsec, spec.DurationUsec, a)
	st.ops.Observe("add", begin, err)
	if err != nil {
		st.reject(ctx, span, spec, "add", elapsed, err)
		return
	}
	a.intervalUsec = interval
	a.durUsec = spec.DurationUsec
	st.place(ctx, span, spec, a, "add", elapsed)
}

func (st *run) update(ctx context.Context, span trace.Span, spec ReservationSpec, a *activity, elapsed int64) {
	u := spec.Update
	begin := time.Now()
	interval, err := st.sched.RM.StartUpdate(a.handle, u.MinIntervalUsec, u.MaxIntervalUsec, u.PerfPerUsec, u.DurationUsec)
	st.ops.Observe("start_update", begin, err)
	if err != nil {
		st.reject(ctx, span, spec, "update", elapsed, err)
		return
	}
	if a.topology {
		if err := st.sched.TM.Remove(a.handle); err != nil {
			st.log.Warn(ctx, "topology remove failed", logging.String("reservation", spec.Name), logging.Err(err))
		}
	}
	a.intervalUsec = interval
	a.durUsec = u.DurationUsec
	st.place(ctx, span, spec, a, "update", elapsed)

	begin = time.Now()
	err = st.sched.RM.CommitUpdate(a.handle)
	st.ops.Observe("commit_update", begin, err)
	if err != nil {
		st.reject(ctx, span, spec, "commit_update", elapsed, err)
	}
}

func (st *run) remove(ctx context.Context, span trace.Span, spec ReservationSpec, a *activity) {
	begin := time.Now()
	err := st.sched.RM.Remove(a.handle)
	st.ops.Observe("remove", begin, err)
	if err != nil {
		span.RecordError(err)
		st.log.Warn(ctx, "reservation remove failed", logging.String("reservation", spec.Name), logging.Err(err))
		return
	}
	if a.topology {
		if err := st.sched.TM.Remove(a.handle); err != nil {
			st.log.Warn(ctx, "topology remove failed", logging.String("reservation", spec.Name), logging.Err(err))
		}
	}
	a.active = false
	st.log.Info(ctx, "reservation removed",
		logging.String("reservation", spec.Name),
		logging.String("layout", st.sched.RM.Layout().String()),
	)
}

// place anchors a freshly allocated reservation and registers it with the
// Topology Manager when the scenario asks for it.
func (st *run) place(ctx context.Context, span trace.Span, spec ReservationSpec, a *activity, op string, elapsed int64) {
	begin := time.Now()
	off, err := st.sched.RM.OffsetUsec(st.sc.DefaultOffsetUsec, a.handle, st.clock.Now())
	st.ops.Observe("offset", begin, err)
	if err != nil {
		st.reject(ctx, span, spec, "offset", elapsed, err)
		return
	}
	a.anchorAt(elapsed + int64(off))

	info, _ := st.sched.RM.Reservation(a.handle)
	a.common = info.CommonIntervalUsed
	if a.topology {
		if err := st.sched.TM.Add(a.handle, a.intervalUsec, a.durUsec, true, a); err != nil {
			st.log.Warn(ctx, "topology add failed", logging.String("reservation", spec.Name), logging.Err(err))
		}
	}

	st.report.Placements = append(st.report.Placements, Placement{
		Name:         spec.Name,
		Role:         spec.Role,
		Handle:       spec.Handle,
		Op:           op,
		AtUsec:       uint64(elapsed),
		IntervalUsec: a.intervalUsec,
		OffsetUsec:   off,
		OffsetBit:    info.OffsetBit,
		Width:        info.Width,
		SubDepth:     info.SubDepth,
		Common:       info.CommonIntervalUsed,
	})
	span.SetAttributes(
		attribute.Int64("interval_us", int64(a.intervalUsec)),
		attribute.Int64("offset_us", int64(off)),
		attribute.Bool("common", info.CommonIntervalUsed),
	)
	st.log.Info(ctx, "reservation placed",
		logging.String("reservation", spec.Name),
		logging.String("op", op),
		logging.Uint32("interval_us", a.intervalUsec),
		logging.Uint32("offset_us", off),
		logging.Bool("common", info.CommonIntervalUsed),
		logging.String("layout", st.sched.RM.Layout().String()),
	)
}

func (st *run) reject(ctx context.Context, span trace.Span, spec ReservationSpec, op string, elapsed int64, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	reason := core.RejectionReason(err)
	st.report.Rejections = append(st.report.Rejections, Rejection{
		Name:   spec.Name,
		Handle: spec.Handle,
		Op:     op,
		AtUsec: uint64(elapsed),
		Reason: reason,
		Error:  err.Error(),
	})
	st.log.Warn(ctx, "reservation rejected",
		logging.String("reservation", spec.Name),
		logging.String("op", op),
		logging.String("reason", reason),
		logging.Err(err),
	)
}

func (st *run) finish() {
	layout := st.sched.RM.Layout()
	st.report.Events = len(st.events)
	st.report.Collisions = verifyCollisions(st.events)
	st.report.Final = FinalState{
		CommonIntervalUsec:  layout.CommonIntervalUsec,
		Depth:               layout.Depth,
		Bitmask:             fmt.Sprintf("%0*b", layout.Slots(), layout.Bitmask),
		Reference:           st.sched.RM.ReferenceHandle().String(),
		Active:              st.sched.RM.NumActive(),
		Uncommon:            st.sched.RM.NumUncommon(),
		CapacityUsedPercent: st.sched.RM.CapacityUsedPercent(),
		TopologyLinks:       st.sched.TM.NumEnabled(),
	}
}
