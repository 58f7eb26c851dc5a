package timectrl

import (
	"context"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
)

// Mode describes how the BasebandClock advances baseband time.
type Mode int

const (
	// RealTime advances one Tick per wall-clock Tick.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// DefaultSetupDelayUsec is the radio guard time reported when none is
// configured.
const DefaultSetupDelayUsec = 150

// Option configures a BasebandClock.
type Option func(*BasebandClock)

// WithClock drives the RealTime loop from c instead of the system clock.
func WithClock(c clock.Clock) Option {
	return func(bc *BasebandClock) {
		if c != nil {
			bc.clock = c
		}
	}
}

// WithSetupDelayUsec overrides the radio setup delay.
func WithSetupDelayUsec(usec uint32) Option {
	return func(bc *BasebandClock) { bc.setupUsec = usec }
}

// BasebandClock is a simulated 32-bit microsecond baseband timer. The
// counter wraps like the hardware one, so consumers must only compare
// values through TimeDeltaUsec. It implements core.Baseband.
type BasebandClock struct {
	mu        sync.RWMutex
	StartUsec uint32
	Tick      time.Duration
	Mode      Mode

	clock     clock.Clock
	setupUsec uint32

	// nowUsec is the current baseband time. It is updated as the clock
	// advances.
	nowUsec uint32

	listeners []func(nowUsec uint32)
}

// NewBasebandClock constructs a clock starting at startUsec.
func NewBasebandClock(startUsec uint32, tick time.Duration, mode Mode, opts ...Option) *BasebandClock {
	bc := &BasebandClock{
		StartUsec: startUsec,
		Tick:      tick,
		Mode:      mode,
		clock:     clock.NewRealClock(),
		setupUsec: DefaultSetupDelayUsec,
		nowUsec:   startUsec,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Now returns the current baseband time in microseconds.
func (bc *BasebandClock) Now() uint32 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.nowUsec
}

// SetupDelayUsec returns the fixed guard time before a radio event.
func (bc *BasebandClock) SetupDelayUsec() uint32 { return bc.setupUsec }

// TimeDeltaUsec returns the forward distance from reference to target
// modulo 2^32.
func (bc *BasebandClock) TimeDeltaUsec(target, reference uint32) uint32 {
	return target - reference
}

// SetTime jumps the clock to nowUsec without notifying listeners.
func (bc *BasebandClock) SetTime(nowUsec uint32) {
	bc.mu.Lock()
	bc.nowUsec = nowUsec
	bc.mu.Unlock()
}

// AddListener registers a callback invoked after every advance. Listeners
// run on the advancing goroutine, one at a time.
func (bc *BasebandClock) AddListener(fn func(nowUsec uint32)) {
	bc.listeners = append(bc.listeners, fn)
}

// Advance moves the clock forward by d and notifies listeners.
func (bc *BasebandClock) Advance(d time.Duration) uint32 {
	bc.mu.Lock()
	bc.nowUsec += uint32(d / time.Microsecond)
	now := bc.nowUsec
	bc.mu.Unlock()

	for _, fn := range bc.listeners {
		fn(now)
	}
	return now
}

// Start runs the clock for the specified duration of baseband time in a
// separate goroutine. It returns a channel that is closed when the clock
// finishes or ctx is cancelled.
func (bc *BasebandClock) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		bc.SetTime(bc.StartUsec)
		if bc.Tick <= 0 {
			return
		}

		var tickC <-chan time.Time
		if bc.Mode == RealTime {
			ticker := bc.clock.NewTicker(bc.Tick)
			defer ticker.Stop()
			tickC = ticker.Chan()
		}

		for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += bc.Tick {
			if tickC != nil {
				select {
				case <-ctx.Done():
					return
				case <-tickC:
				}
			} else if ctx.Err() != nil {
				return
			}
			bc.Advance(bc.Tick)
		}
	}()
	return done
}
