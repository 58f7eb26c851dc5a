package timectrl

import (
	"context"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
)

func TestBasebandClockSetTime(t *testing.T) {
	bc := NewBasebandClock(0, time.Millisecond, RealTime)

	bc.SetTime(42)
	if got := bc.Now(); got != 42 {
		t.Fatalf("Now() = %d, want 42", got)
	}
	if got := bc.SetupDelayUsec(); got != DefaultSetupDelayUsec {
		t.Fatalf("SetupDelayUsec() = %d, want %d", got, DefaultSetupDelayUsec)
	}
}

func TestBasebandClockTimeDeltaWraps(t *testing.T) {
	bc := NewBasebandClock(0, time.Millisecond, Accelerated, WithSetupDelayUsec(200))
	if got := bc.TimeDeltaUsec(100, 0xFFFFFF00); got != 356 {
		t.Fatalf("TimeDeltaUsec across wrap = %d, want 356", got)
	}
	if got := bc.TimeDeltaUsec(0xFFFFFF00, 100); got != 0xFFFFFE9C {
		t.Fatalf("TimeDeltaUsec backwards = %#x, want 0xFFFFFE9C", got)
	}
	if bc.SetupDelayUsec() != 200 {
		t.Fatalf("SetupDelayUsec() = %d, want 200", bc.SetupDelayUsec())
	}
}

func TestBasebandClockAdvanceWrapsAndNotifies(t *testing.T) {
	bc := NewBasebandClock(0xFFFFFC18, time.Millisecond, Accelerated)
	var seen []uint32
	bc.AddListener(func(now uint32) { seen = append(seen, now) })

	if got := bc.Advance(2 * time.Millisecond); got != 1000 {
		t.Fatalf("Advance across wrap = %d, want 1000", got)
	}
	if len(seen) != 1 || seen[0] != 1000 {
		t.Fatalf("listener saw %v, want [1000]", seen)
	}
}

func TestBasebandClockStartAccelerated(t *testing.T) {
	bc := NewBasebandClock(1000, 5*time.Millisecond, Accelerated)
	ticks := 0
	bc.AddListener(func(uint32) { ticks++ })

	done := bc.Start(context.Background(), 15*time.Millisecond)
	<-done

	if got := bc.Now(); got != 16000 {
		t.Fatalf("Now() = %d, want 16000", got)
	}
	if ticks != 3 {
		t.Fatalf("listener called %d times, want 3", ticks)
	}
}

func TestBasebandClockStartCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bc := NewBasebandClock(0, time.Millisecond, Accelerated)

	select {
	case <-bc.Start(ctx, 0):
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled clock did not stop")
	}
	if got := bc.Now(); got != 0 {
		t.Fatalf("Now() = %d, want 0", got)
	}
}

func TestBasebandClockStartRealTimeUsesClock(t *testing.T) {
	fc := clock.NewFakeClock()
	bc := NewBasebandClock(0, 10*time.Millisecond, RealTime, WithClock(fc))

	done := bc.Start(context.Background(), 30*time.Millisecond)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			if got := bc.Now(); got != 30000 {
				t.Fatalf("Now() = %d, want 30000", got)
			}
			return
		case <-deadline:
			t.Fatalf("real-time clock stuck at %d", bc.Now())
		default:
			fc.Advance(10 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}
