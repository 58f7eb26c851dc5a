package core

import (
	"reflect"
	"testing"
)

func TestCalculateDepthPowerOfTwo(t *testing.T) {
	const x = 120000
	for k := uint8(0); k <= MaxSearchDepth; k++ {
		if got := CalculateDepth(x, x>>k); got != k {
			t.Errorf("CalculateDepth(%d, %d) = %d, want %d", x, x>>k, got, k)
		}
	}
}

func TestCalculateDepthNoRelationship(t *testing.T) {
	cases := []struct {
		name         string
		large, small uint32
	}{
		{"incommensurate", 120000, 50000},
		{"small larger than large", 30000, 120000},
		{"below unit floor", 10000, 1250},
		{"beyond search depth", 40000 << 6, 40000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CalculateDepth(tc.large, tc.small); got != 0 {
				t.Fatalf("CalculateDepth(%d, %d) = %d, want 0", tc.large, tc.small, got)
			}
		})
	}
}

func TestPowerOfTwoDepthDisambiguatesZero(t *testing.T) {
	cfg := DefaultConfig()
	if d, ok := cfg.PowerOfTwoDepth(40000, 40000); !ok || d != 0 {
		t.Fatalf("equal intervals: got (%d, %v), want (0, true)", d, ok)
	}
	if _, ok := cfg.PowerOfTwoDepth(40000, 30000); ok {
		t.Fatal("40000/30000 must not be related")
	}
	if d, ok := cfg.PowerOfTwoDepth(160000, 40000); !ok || d != 2 {
		t.Fatalf("160000/40000: got (%d, %v), want (2, true)", d, ok)
	}
	// Shift-halving matches 15001 >> 1 == 7500, but the relationship is not exact.
	if _, ok := cfg.PowerOfTwoDepth(15001, 7500); ok {
		t.Fatal("15001/7500 must not be an exact power-of-two multiple")
	}
	if !cfg.related(10000, 40000) || !cfg.related(40000, 10000) {
		t.Fatal("related must be symmetric")
	}
}

func TestSortDescending(t *testing.T) {
	vals := []uint32{30000, 120000, 7500, 60000, 7500}
	SortDescending(vals)
	want := []uint32{120000, 60000, 30000, 7500, 7500}
	if !reflect.DeepEqual(vals, want) {
		t.Fatalf("SortDescending = %v, want %v", vals, want)
	}
}

func TestNormalizeOffset(t *testing.T) {
	bb := fakeBaseband{}
	cases := []struct {
		target, ref, interval, want uint32
	}{
		{target: 1000, ref: 1000, interval: 10000, want: 10000},
		{target: 11000, ref: 1000, interval: 10000, want: 10000},
		{target: 11001, ref: 1000, interval: 10000, want: 1},
		{target: 995, ref: 1000, interval: 10000, want: 9995},
		{target: 100, ref: 0xFFFFFF00, interval: 10000, want: 356},
		{target: 0xFFFFFF00, ref: 100, interval: 10000, want: 9644},
	}
	for _, tc := range cases {
		if got := normalizeOffset(bb, tc.target, tc.ref, tc.interval); got != tc.want {
			t.Errorf("normalizeOffset(%d, %d, %d) = %d, want %d", tc.target, tc.ref, tc.interval, got, tc.want)
		}
	}
}
